package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/manifest-network/aptfeed/internal/client"
	"github.com/manifest-network/aptfeed/internal/config"
	"github.com/manifest-network/aptfeed/internal/models"
	"github.com/manifest-network/aptfeed/internal/output"
	"github.com/manifest-network/aptfeed/internal/utils"
)

// BlockSource fetches single blocks by height.
type BlockSource interface {
	GetBlockByHeight(ctx context.Context, height uint64, withTransactions bool) (*models.Block, error)
}

// ArchiveRange fetches blocks in [start, stop] from the node and writes them to the output handler.
func ArchiveRange(ctx context.Context, src BlockSource, start, stop uint64, outputHandler output.OutputHandler, cfg config.ExtractConfig) error {
	if start > stop {
		return fmt.Errorf("invalid range [%d, %d]", start, stop)
	}

	displayProgress := start != stop
	if displayProgress {
		slog.Info("Archiving blocks", "range", fmt.Sprintf("[%d, %d]", start, stop))
	} else {
		slog.Info("Archiving block", "height", start)
	}
	var bar *progressbar.ProgressBar
	if displayProgress {
		bar = progressbar.NewOptions64(
			int64(stop-start+1),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetDescription("Archiving blocks..."),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		if err := bar.RenderBlank(); err != nil {
			return fmt.Errorf("failed to render progress bar: %w", err)
		}
	}

	if err := processBlocks(ctx, src, start, stop, outputHandler, cfg, bar); err != nil {
		return fmt.Errorf("failed to archive blocks: %w", err)
	}

	if bar != nil {
		if err := bar.Finish(); err != nil {
			return fmt.Errorf("failed to finish progress bar: %w", err)
		}
	}

	return nil
}

// ResumeHeight returns the height after the output handler's latest block,
// or fallback when the output is empty.
func ResumeHeight(ctx context.Context, outputHandler output.OutputHandler, fallback uint64) (uint64, error) {
	latest, err := outputHandler.GetLatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest archived block: %w", err)
	}
	if latest == nil {
		return fallback, nil
	}
	slog.Info("Resuming archive", "latest_archived", latest.Height)
	return latest.Height + 1, nil
}

// RepairMissing refetches heights the output handler reports as missing between its earliest and latest block.
func RepairMissing(ctx context.Context, src BlockSource, outputHandler output.OutputHandler, cfg config.ExtractConfig) error {
	missing, err := outputHandler.GetMissingBlockIds(ctx)
	if err != nil {
		return fmt.Errorf("failed to get missing block IDs: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	slog.Warn("Missing blocks detected", "count", len(missing))
	for _, height := range missing {
		if err := processSingleBlockWithRetry(ctx, src, height, outputHandler, cfg); err != nil {
			return fmt.Errorf("failed to process missing block %d: %w", height, err)
		}
	}
	return nil
}

// processBlocks processes blocks in parallel, at most cfg.MaxConcurrency at a time.
func processBlocks(ctx context.Context, src BlockSource, start, stop uint64, outputHandler output.OutputHandler, cfg config.ExtractConfig, bar *progressbar.ProgressBar) error {
	concurrency := cfg.MaxConcurrency
	if concurrency == 0 {
		concurrency = 1
	}

	eg, egCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)

loop:
	for height := start; ; height++ {
		select {
		case sem <- struct{}{}:
		case <-egCtx.Done():
			break loop
		}

		blockHeight := height
		eg.Go(func() error {
			defer func() { <-sem }()

			if err := processSingleBlockWithRetry(egCtx, src, blockHeight, outputHandler, cfg); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Error("Block processing error", "height", blockHeight, "error", err, "retries", cfg.MaxRetries)
				}
				return fmt.Errorf("failed to process block %d: %w", blockHeight, err)
			}

			if bar != nil {
				if err := bar.Add(1); err != nil {
					slog.Warn("Failed to update progress bar", "error", err)
				}
			}
			return nil
		})

		if height == stop {
			break
		}
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("error while fetching blocks: %w", err)
	}
	if ctx.Err() != nil {
		slog.Info("Processing cancelled by user")
		return ctx.Err()
	}
	return nil
}

// processSingleBlockWithRetry fetches one block and writes it, with its transactions when requested.
// Heights the node has pruned are skipped.
func processSingleBlockWithRetry(ctx context.Context, src BlockSource, height uint64, outputHandler output.OutputHandler, cfg config.ExtractConfig) error {
	var (
		block  *models.Block
		pruned error
	)
	err := utils.Retry(ctx, cfg.MaxRetries, utils.DefaultRetryDelay, func() error {
		b, err := src.GetBlockByHeight(ctx, height, cfg.WithTransactions)
		if client.IsPruned(err) {
			pruned = err
			return nil
		}
		if err != nil {
			return err
		}
		block = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get block data: %w", err)
	}
	if pruned != nil {
		slog.Warn("Block pruned by node, skipping", "height", height, "oldestHeight", utils.ParseOldestHeightFromError(pruned.Error()))
		return nil
	}

	if err := outputHandler.WriteBlocks(ctx, []models.Block{*block}); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	if cfg.WithTransactions && len(block.Transactions) > 0 {
		if err := outputHandler.WriteTransactions(ctx, block.Transactions); err != nil {
			return fmt.Errorf("failed to write transactions: %w", err)
		}
	}
	return nil
}
