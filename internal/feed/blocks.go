package feed

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manifest-network/aptfeed/internal/client"
	"github.com/manifest-network/aptfeed/internal/metrics"
	"github.com/manifest-network/aptfeed/internal/models"
)

// BlockFetcher loads a single block by height.
type BlockFetcher interface {
	GetBlockByHeight(ctx context.Context, height uint64, withTransactions bool) (*models.Block, error)
}

// BlockReconciler merges pushed block batches into a bounded newest-first
// window, repairing gaps between the last known height and the newest pushed
// height with bounded REST backfill.
//
// Reconcile must only be called from a single goroutine. Window and Cursor
// may be called concurrently with it.
type BlockReconciler struct {
	fetcher         BlockFetcher
	maxItems        int
	maxBackfill     int
	backfillTimeout time.Duration

	mu        sync.RWMutex
	window    []models.Block
	seen      *SeenSet
	cursor    uint64
	hasCursor bool
}

func NewBlockReconciler(fetcher BlockFetcher, maxItems, maxBackfill, seenLimit int, backfillTimeout time.Duration) *BlockReconciler {
	return &BlockReconciler{
		fetcher:         fetcher,
		maxItems:        maxItems,
		maxBackfill:     maxBackfill,
		backfillTimeout: backfillTimeout,
		seen:            NewSeenSet(seenLimit),
	}
}

// Seed installs an initial window and cursor. Every seeded height is marked seen.
func (r *BlockReconciler) Seed(blocks []models.Block, head *uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	heights := make([]uint64, 0, len(blocks))
	for _, b := range blocks {
		heights = append(heights, b.Height)
	}
	r.seen.Add(heights...)
	r.window = mergeBlocks(blocks, r.window, r.maxItems)
	if head != nil {
		r.cursor = *head
		r.hasCursor = true
		metrics.CursorHeight.Set(float64(*head))
	}
	r.observe()
}

// Reconcile merges a pushed batch (oldest first, as on the wire) and returns
// the blocks that were new to the window, newest first. It returns nil and
// leaves the window untouched when nothing in the batch is new.
func (r *BlockReconciler) Reconcile(ctx context.Context, pushed []models.Block) []models.Block {
	if len(pushed) == 0 {
		return nil
	}

	batch := slices.Clone(pushed)
	slices.Reverse(batch)
	newest := batch[0].Height
	for _, b := range batch[1:] {
		newest = max(newest, b.Height)
	}

	r.mu.RLock()
	cursor, hasCursor := r.cursor, r.hasCursor
	var missing []uint64
	if hasCursor && newest > cursor {
		missing = r.missingHeights(batch, cursor, newest)
	}
	r.mu.RUnlock()

	candidates := batch
	if len(missing) > 0 {
		candidates = append(candidates, r.backfill(ctx, missing)...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var novel []models.Block
	inBatch := make(map[uint64]struct{}, len(candidates))
	heights := make([]uint64, 0, len(candidates))
	for _, b := range candidates {
		if _, dup := inBatch[b.Height]; dup {
			continue
		}
		inBatch[b.Height] = struct{}{}
		heights = append(heights, b.Height)
		if r.seen.Has(b.Height) {
			metrics.DuplicatesTotal.WithLabelValues(metrics.EntityBlock).Inc()
			continue
		}
		novel = append(novel, b)
	}
	r.seen.Add(heights...)

	if !hasCursor || newest > r.cursor {
		r.cursor = newest
		r.hasCursor = true
		metrics.CursorHeight.Set(float64(newest))
	}

	if len(novel) == 0 {
		r.observe()
		return nil
	}

	r.window = mergeBlocks(novel, r.window, r.maxItems)
	metrics.NovelTotal.WithLabelValues(metrics.EntityBlock).Add(float64(len(novel)))
	r.observe()

	slices.SortFunc(novel, func(a, b models.Block) int { return cmp.Compare(b.Height, a.Height) })
	return novel
}

// missingHeights scans (cursor, newest] downward from newest and returns up to
// maxBackfill heights that are neither in the batch nor already seen. Missing
// heights beyond the bound are left unrepaired.
func (r *BlockReconciler) missingHeights(batch []models.Block, cursor, newest uint64) []uint64 {
	present := make(map[uint64]struct{}, len(batch))
	for _, b := range batch {
		if b.Height > cursor && b.Height <= newest {
			present[b.Height] = struct{}{}
		}
	}
	absent := func(h uint64) bool {
		_, ok := present[h]
		return !ok
	}

	var missing []uint64
	for h := newest; h > cursor && len(missing) < r.maxBackfill; h-- {
		if !absent(h) || r.seen.Has(h) {
			continue
		}
		missing = append(missing, h)
	}

	gap := (newest - cursor) - uint64(len(present)) - uint64(r.seen.CountBetween(cursor, newest, absent))
	if gap > uint64(len(missing)) {
		metrics.UnrepairedHeightsTotal.Add(float64(gap - uint64(len(missing))))
		slog.Warn("Gap exceeds backfill bound",
			"cursor", cursor,
			"newest", newest,
			"missing", gap,
			"backfilling", len(missing))
	}
	return missing
}

// backfill fetches the given heights in parallel. A height that fails or
// times out is logged and dropped; the rest of the batch proceeds.
func (r *BlockReconciler) backfill(ctx context.Context, heights []uint64) []models.Block {
	results := make([]*models.Block, len(heights))

	var g errgroup.Group
	for i, height := range heights {
		g.Go(func() error {
			fetchCtx := ctx
			if r.backfillTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(ctx, r.backfillTimeout)
				defer cancel()
			}

			block, err := r.fetcher.GetBlockByHeight(fetchCtx, height, false)
			if client.IsNotFound(err) {
				// Announced by the stream but not yet served by this node.
				metrics.BackfillTotal.WithLabelValues("not_found").Inc()
				slog.Debug("Backfill height not yet available", "height", height)
				return nil
			}
			if err != nil {
				metrics.BackfillTotal.WithLabelValues("failed").Inc()
				slog.Warn("Failed to backfill block", "height", height, "error", err)
				return nil
			}
			metrics.BackfillTotal.WithLabelValues("ok").Inc()
			results[i] = block
			return nil
		})
	}
	_ = g.Wait()

	fetched := make([]models.Block, 0, len(heights))
	for _, b := range results {
		if b != nil {
			fetched = append(fetched, *b)
		}
	}
	if len(fetched) > 0 {
		slog.Debug("Backfilled blocks", "requested", len(heights), "fetched", len(fetched))
	}
	return fetched
}

// Window returns a copy of the current window, newest first. It is never nil.
func (r *BlockReconciler) Window() []models.Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Block, len(r.window))
	copy(out, r.window)
	return out
}

// Cursor returns the highest height observed so far. ok is false until the
// first snapshot or batch sets it.
func (r *BlockReconciler) Cursor() (height uint64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor, r.hasCursor
}

func (r *BlockReconciler) observe() {
	metrics.WindowSize.WithLabelValues(metrics.EntityBlock).Set(float64(len(r.window)))
	metrics.SeenSize.WithLabelValues(metrics.EntityBlock).Set(float64(r.seen.Len()))
}

// mergeBlocks returns head ++ tail sorted strictly descending by height,
// without duplicate heights, truncated to limit.
func mergeBlocks(head, tail []models.Block, limit int) []models.Block {
	merged := make([]models.Block, 0, len(head)+len(tail))
	merged = append(merged, head...)
	merged = append(merged, tail...)
	slices.SortStableFunc(merged, func(a, b models.Block) int { return cmp.Compare(b.Height, a.Height) })
	merged = slices.CompactFunc(merged, func(a, b models.Block) bool { return a.Height == b.Height })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
