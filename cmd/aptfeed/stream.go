package aptfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manifest-network/aptfeed/internal/client"
	"github.com/manifest-network/aptfeed/internal/config"
	"github.com/manifest-network/aptfeed/internal/feed"
	"github.com/manifest-network/aptfeed/internal/output"
	"github.com/manifest-network/aptfeed/internal/output/postgresql"
	"github.com/manifest-network/aptfeed/internal/server"
	"github.com/manifest-network/aptfeed/internal/stream"
)

const shutdownTimeout = 5 * time.Second

func newStreamCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Load a snapshot, follow the push channel and serve the live feed over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStream(ctx, *cfg)
		},
	}
}

func runStream(ctx context.Context, cfg config.Config) error {
	sink, err := openSink(ctx, cfg.Output)
	if err != nil {
		return err
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				slog.Warn("Failed to close archive sink", "error", err)
			}
		}()
	}

	rest := client.NewRESTClient(cfg.REST.URL, cfg.REST.Timeout, cfg.REST.MaxRetries)
	health := stream.NewHealth()
	health.OnChange(func(s stream.State) {
		slog.Info("Push channel state changed", "state", s.String())
	})
	connector := stream.NewConnector(stream.Options{Stream: cfg.Stream, Reconnect: cfg.Reconnect}, health)
	f := feed.New(rest, health, cfg.Feed, sink)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.NewRouter(f),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("HTTP API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve HTTP API: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		f.Stream(ctx, connector)
		if ctx.Err() == nil {
			// The API keeps serving the last windows with isConnected=false.
			slog.Warn("Push channel ended; serving last known state until shutdown")
		}
		return nil
	})

	return eg.Wait()
}

// openSink returns nil when no DSN is configured.
func openSink(ctx context.Context, cfg config.OutputConfig) (output.OutputHandler, error) {
	if cfg.PostgresDSN == "" {
		return nil, nil
	}
	sink, err := postgresql.NewPostgresOutputHandler(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive sink: %w", err)
	}
	return sink, nil
}
