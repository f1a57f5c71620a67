// Package feed reconciles the live push channel with REST backfill into
// bounded newest-first windows of blocks and transactions.
//
// All mutation happens on the goroutine that calls Run. Backfill fetches run
// concurrently but are joined before the window changes, so each reconciliation
// pass is atomic with respect to the next one. Readers use View, which returns
// copies.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/manifest-network/aptfeed/internal/config"
	"github.com/manifest-network/aptfeed/internal/envelope"
	"github.com/manifest-network/aptfeed/internal/metrics"
	"github.com/manifest-network/aptfeed/internal/models"
	"github.com/manifest-network/aptfeed/internal/output"
)

const sinkTimeout = 10 * time.Second

// ConnectionState reports whether the push channel is open.
type ConnectionState interface {
	IsConnected() bool
}

// View is what the UI layer consumes.
type View struct {
	Blocks       []models.Block       `json:"blocks"`
	Transactions []models.Transaction `json:"transactions"`
	IsConnected  bool                 `json:"isConnected"`
}

// Feed owns the block and transaction reconcilers and routes decoded frames to them.
type Feed struct {
	src          SnapshotSource
	cfg          config.FeedConfig
	conn         ConnectionState
	sink         output.OutputHandler
	blocks       *BlockReconciler
	transactions *TxReconciler
	dispatcher   *envelope.Dispatcher
}

// New builds a Feed. sink may be nil.
func New(src SnapshotSource, conn ConnectionState, cfg config.FeedConfig, sink output.OutputHandler) *Feed {
	f := &Feed{
		src:          src,
		cfg:          cfg,
		conn:         conn,
		sink:         sink,
		blocks:       NewBlockReconciler(src, cfg.MaxItems, cfg.MaxBackfill, cfg.SeenLimit, cfg.BackfillTimeout),
		transactions: NewTxReconciler(cfg.MaxItems, cfg.SeenLimit),
	}
	f.dispatcher = envelope.NewDispatcher(f)
	return f
}

// Bootstrap loads the REST snapshot and seeds both windows and the cursor.
// It never fails; an unavailable node leaves the feed empty with no cursor.
func (f *Feed) Bootstrap(ctx context.Context) Snapshot {
	snap := LoadSnapshot(ctx, f.src, f.cfg.PreviewLimit)
	f.blocks.Seed(snap.Blocks, snap.Head)
	f.transactions.Seed(snap.Transactions)
	return snap
}

// Run dispatches inbound frames in arrival order until messages is closed or ctx is done.
func (f *Feed) Run(ctx context.Context, messages <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-messages:
			if !ok {
				return
			}
			f.dispatcher.Dispatch(ctx, raw)
		}
	}
}

// HandleBlocks implements envelope.Handler.
func (f *Feed) HandleBlocks(ctx context.Context, batch *envelope.BlockBatch) {
	novel := f.blocks.Reconcile(ctx, batch.Blocks)
	if len(novel) == 0 || f.sink == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	if err := f.sink.WriteBlocks(sinkCtx, novel); err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(metrics.EntityBlock).Inc()
		slog.Error("Failed to archive blocks", "count", len(novel), "error", err)
	}
}

// HandleTransactions implements envelope.Handler.
func (f *Feed) HandleTransactions(ctx context.Context, batch *envelope.TransactionBatch) {
	novel := f.transactions.Reconcile(batch.Transactions)
	if len(novel) == 0 || f.sink == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	if err := f.sink.WriteTransactions(sinkCtx, novel); err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(metrics.EntityTransaction).Inc()
		slog.Error("Failed to archive transactions", "count", len(novel), "error", err)
	}
}

// Channel is the push channel as seen by the feed.
type Channel interface {
	Run(ctx context.Context)
	Messages() <-chan []byte
}

// Stream runs ch, bootstraps from REST and then processes frames until ctx is
// done or the channel ends. The channel is started first so that frames
// pushed while the snapshot loads are buffered rather than lost.
func (f *Feed) Stream(ctx context.Context, ch Channel) {
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ch.Run(ctx)
	}()

	f.Bootstrap(ctx)
	f.Run(ctx, ch.Messages())
	<-runDone
}

// View returns a point-in-time copy of the windows and the connection flag.
func (f *Feed) View() View {
	v := View{
		Blocks:       f.blocks.Window(),
		Transactions: f.transactions.Window(),
	}
	if f.conn != nil {
		v.IsConnected = f.conn.IsConnected()
	}
	return v
}

// Cursor returns the highest block height observed so far.
func (f *Feed) Cursor() (uint64, bool) {
	return f.blocks.Cursor()
}
