package feed

import (
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/manifest-network/aptfeed/internal/metrics"
	"github.com/manifest-network/aptfeed/internal/models"
)

// TxReconciler keeps a bounded window of transactions in push-arrival order,
// newest first. Versioned transactions are deduplicated by version.
// Transactions without a version get a fresh synthetic key on every
// occurrence and are therefore never deduplicated.
//
// Reconcile must only be called from a single goroutine.
type TxReconciler struct {
	maxItems int

	mu     sync.RWMutex
	window []models.Transaction
	seen   *SeenSet
}

func NewTxReconciler(maxItems, seenLimit int) *TxReconciler {
	return &TxReconciler{
		maxItems: maxItems,
		seen:     NewSeenSet(seenLimit),
	}
}

// Seed installs an initial newest-first window and marks its versions seen.
func (r *TxReconciler) Seed(txs []models.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	window := make([]models.Transaction, 0, min(len(txs), r.maxItems))
	for _, tx := range txs {
		tx.Key = txKey(tx)
		if tx.Version != nil {
			if r.seen.Has(*tx.Version) {
				continue
			}
			r.seen.Add(*tx.Version)
		}
		window = append(window, tx)
	}
	r.window = prependTruncate(window, r.window, r.maxItems)
	r.observe()
}

// Reconcile merges a pushed batch (oldest first, as on the wire) and returns
// the novel transactions, newest first. It returns nil when nothing was new.
func (r *TxReconciler) Reconcile(pushed []models.Transaction) []models.Transaction {
	if len(pushed) == 0 {
		return nil
	}

	batch := slices.Clone(pushed)
	slices.Reverse(batch)

	r.mu.Lock()
	defer r.mu.Unlock()

	var novel []models.Transaction
	for _, tx := range batch {
		tx.Key = txKey(tx)
		if tx.Version == nil {
			novel = append(novel, tx)
			continue
		}
		if r.seen.Has(*tx.Version) {
			metrics.DuplicatesTotal.WithLabelValues(metrics.EntityTransaction).Inc()
			continue
		}
		r.seen.Add(*tx.Version)
		novel = append(novel, tx)
	}

	if len(novel) == 0 {
		return nil
	}

	r.window = prependTruncate(novel, r.window, r.maxItems)
	metrics.NovelTotal.WithLabelValues(metrics.EntityTransaction).Add(float64(len(novel)))
	r.observe()
	return novel
}

// Window returns a copy of the current window, newest first. It is never nil.
func (r *TxReconciler) Window() []models.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Transaction, len(r.window))
	copy(out, r.window)
	return out
}

func (r *TxReconciler) observe() {
	metrics.WindowSize.WithLabelValues(metrics.EntityTransaction).Set(float64(len(r.window)))
	metrics.SeenSize.WithLabelValues(metrics.EntityTransaction).Set(float64(r.seen.Len()))
}

// txKey is the version for committed transactions and a fresh UUID otherwise.
func txKey(tx models.Transaction) string {
	if tx.Version == nil {
		return uuid.NewString()
	}
	return strconv.FormatUint(*tx.Version, 10)
}

func prependTruncate[T any](head, tail []T, limit int) []T {
	out := make([]T, 0, min(len(head)+len(tail), limit))
	for _, v := range head {
		if len(out) == limit {
			return out
		}
		out = append(out, v)
	}
	for _, v := range tail {
		if len(out) == limit {
			break
		}
		out = append(out, v)
	}
	return out
}
