package feed

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/manifest-network/aptfeed/internal/models"
)

// SnapshotSource is the REST surface needed to build the initial state.
type SnapshotSource interface {
	BlockFetcher
	GetLedgerHead(ctx context.Context) (uint64, error)
	GetRecentTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
}

// Snapshot is the initial state loaded over REST before the stream takes over.
// Head is nil when the snapshot could not be loaded.
type Snapshot struct {
	Blocks       []models.Block       `json:"blocks"`
	Transactions []models.Transaction `json:"transactions"`
	Head         *uint64              `json:"head"`
}

// LoadSnapshot fetches the chain head, the previewLimit most recent blocks and
// the previewLimit most recent transactions. Any failure is logged and yields
// an empty snapshot; the caller is expected to go on and connect the stream.
func LoadSnapshot(ctx context.Context, src SnapshotSource, previewLimit int) Snapshot {
	snap, err := loadSnapshot(ctx, src, previewLimit)
	if err != nil {
		slog.Error("Failed to load snapshot", "error", err)
		return Snapshot{}
	}
	slog.Info("Snapshot loaded",
		"head", *snap.Head,
		"blocks", len(snap.Blocks),
		"transactions", len(snap.Transactions))
	return snap
}

func loadSnapshot(ctx context.Context, src SnapshotSource, previewLimit int) (Snapshot, error) {
	head, err := src.GetLedgerHead(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get ledger head: %w", err)
	}

	heights := previewHeights(head, previewLimit)
	blocks := make([]models.Block, len(heights))
	var txs []models.Transaction

	eg, egCtx := errgroup.WithContext(ctx)
	for i, height := range heights {
		eg.Go(func() error {
			block, err := src.GetBlockByHeight(egCtx, height, false)
			if err != nil {
				return fmt.Errorf("failed to get preview block %d: %w", height, err)
			}
			blocks[i] = *block
			return nil
		})
	}
	if previewLimit > 0 {
		eg.Go(func() error {
			recent, err := src.GetRecentTransactions(egCtx, previewLimit)
			if err != nil {
				return err
			}
			txs = recent
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Snapshot{}, err
	}

	slices.SortFunc(blocks, func(a, b models.Block) int { return cmp.Compare(b.Height, a.Height) })
	// The node returns transactions oldest first.
	slices.Reverse(txs)

	return Snapshot{Blocks: blocks, Transactions: txs, Head: &head}, nil
}

// previewHeights returns up to limit heights counting down from head, stopping at genesis.
func previewHeights(head uint64, limit int) []uint64 {
	heights := make([]uint64, 0, max(limit, 0))
	for i := 0; i < limit; i++ {
		if uint64(i) > head {
			break
		}
		heights = append(heights, head-uint64(i))
	}
	return heights
}
