package aptfeed

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manifest-network/aptfeed/internal/client"
	"github.com/manifest-network/aptfeed/internal/config"
	"github.com/manifest-network/aptfeed/internal/feed"
	"github.com/manifest-network/aptfeed/internal/models"
)

type snapshotOutput struct {
	Head         *uint64              `json:"head"`
	Blocks       []models.Block       `json:"blocks"`
	Transactions []models.Transaction `json:"transactions"`
}

func newSnapshotCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the initial snapshot of recent blocks and transactions as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.REST.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := cfg.Feed.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			rest := client.NewRESTClient(cfg.REST.URL, cfg.REST.Timeout, cfg.REST.MaxRetries)
			snap := feed.LoadSnapshot(cmd.Context(), rest, cfg.Feed.PreviewLimit)
			if snap.Head == nil {
				return fmt.Errorf("node at %s is unavailable", cfg.REST.URL)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snapshotOutput{
				Head:         snap.Head,
				Blocks:       snap.Blocks,
				Transactions: snap.Transactions,
			})
		},
	}
}
