package aptfeed

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manifest-network/aptfeed/internal/client"
	"github.com/manifest-network/aptfeed/internal/config"
	"github.com/manifest-network/aptfeed/internal/extractor"
	"github.com/manifest-network/aptfeed/internal/utils"
)

func newArchiveCmd(cfg *config.Config) *cobra.Command {
	var (
		start, stop string
		extractCfg  config.ExtractConfig
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a range of blocks into PostgreSQL, then repair missing heights",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.REST.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.Output.PostgresDSN == "" {
				return fmt.Errorf("postgres DSN is required for archiving")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rest := client.NewRESTClient(cfg.REST.URL, cfg.REST.Timeout, cfg.REST.MaxRetries)

			earliest, err := utils.GetEarliestBlockHeight(ctx, rest, extractCfg.MaxRetries)
			if err != nil {
				return err
			}
			latest, err := utils.GetLatestBlockHeightWithRetry(ctx, rest, extractCfg.MaxRetries)
			if err != nil {
				return err
			}

			sink, err := openSink(ctx, cfg.Output)
			if err != nil {
				return err
			}
			defer func() {
				if err := sink.Close(); err != nil {
					slog.Warn("Failed to close archive sink", "error", err)
				}
			}()

			var from uint64
			if start != "" {
				if from, err = utils.ParseHeight(start); err != nil {
					return err
				}
			} else if from, err = extractor.ResumeHeight(ctx, sink, earliest); err != nil {
				return err
			}
			to := latest
			if stop != "" {
				if to, err = utils.ParseHeight(stop); err != nil {
					return err
				}
			}

			if from, to, ok := utils.ClampRange(from, to, earliest, latest); ok {
				if err := extractor.ArchiveRange(ctx, rest, from, to, sink, extractCfg); err != nil {
					return err
				}
			} else {
				slog.Info("Nothing to archive", "from", from, "to", to, "earliest", earliest, "latest", latest)
			}

			if extractCfg.EnableRepairMissed {
				if err := extractor.RepairMissing(ctx, rest, sink, extractCfg); err != nil {
					return err
				}
			}
			slog.Info("Archive complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "First height to archive (default: resume after the latest archived block, or the oldest retained height)")
	cmd.Flags().StringVar(&stop, "stop", "", "Last height to archive (default: current head)")
	cmd.Flags().UintVar(&extractCfg.MaxConcurrency, "maxConcurrency", 10, "Maximum concurrent block fetches")
	cmd.Flags().UintVar(&extractCfg.MaxRetries, "maxRetries", 3, "Retries per block")
	cmd.Flags().BoolVar(&extractCfg.WithTransactions, "withTransactions", true, "Archive each block's transactions")
	cmd.Flags().BoolVar(&extractCfg.EnableRepairMissed, "repairMissing", true, "Refetch heights missing from the archive")
	return cmd
}
