package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/manifest-network/aptfeed/internal/client"
	"github.com/manifest-network/aptfeed/internal/models"
)

// fakeChain serves blocks for every height up to head unless told otherwise.
type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	headErr error
	txs     []models.Transaction
	txErr   error
	fail    map[uint64]bool
	hang    map[uint64]bool
	absent  map[uint64]bool
	fetched []uint64
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{head: head, fail: map[uint64]bool{}, hang: map[uint64]bool{}, absent: map[uint64]bool{}}
}

func (c *fakeChain) GetLedgerHead(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headErr
}

func (c *fakeChain) GetBlockByHeight(ctx context.Context, height uint64, _ bool) (*models.Block, error) {
	c.mu.Lock()
	c.fetched = append(c.fetched, height)
	fail, hang, absent := c.fail[height], c.hang[height], c.absent[height]
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if absent {
		return nil, &client.APIError{StatusCode: http.StatusNotFound, ErrorCode: "block_not_found", Message: "block not found"}
	}
	if fail {
		return nil, fmt.Errorf("node returned 500 for height %d", height)
	}
	b := block(height)
	return &b, nil
}

func (c *fakeChain) GetRecentTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txErr != nil {
		return nil, c.txErr
	}
	txs := c.txs
	if len(txs) > limit {
		txs = txs[len(txs)-limit:]
	}
	return slices.Clone(txs), nil
}

func (c *fakeChain) fetchedHeights() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := slices.Clone(c.fetched)
	slices.Sort(out)
	return out
}

func (c *fakeChain) resetFetched() {
	c.mu.Lock()
	c.fetched = nil
	c.mu.Unlock()
}

// recordingSink captures everything written to it.
type recordingSink struct {
	mu     sync.Mutex
	blocks []models.Block
	txs    []models.Transaction
	err    error
}

func (s *recordingSink) WriteBlocks(_ context.Context, blocks []models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, blocks...)
	return s.err
}

func (s *recordingSink) WriteTransactions(_ context.Context, txs []models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, txs...)
	return s.err
}

func (s *recordingSink) GetLatestBlock(context.Context) (*models.Block, error) {
	return nil, errors.New("not implemented")
}

func (s *recordingSink) GetMissingBlockIds(context.Context) ([]uint64, error) { return nil, nil }

func (s *recordingSink) Close() error { return nil }

func block(height uint64) models.Block {
	return models.Block{
		Height:          height,
		Hash:            fmt.Sprintf("0x%x", height),
		FirstVersion:    height * 10,
		LastVersion:     height*10 + 9,
		TimestampMicros: 1_700_000_000_000_000 + height,
	}
}

// blocks returns ascending blocks for the given heights, as the wire delivers them.
func blocks(heights ...uint64) []models.Block {
	out := make([]models.Block, 0, len(heights))
	for _, h := range heights {
		out = append(out, block(h))
	}
	return out
}

func heightsOf(bs []models.Block) []uint64 {
	out := make([]uint64, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Height)
	}
	return out
}

func heightRange(from, to uint64) []uint64 {
	var out []uint64
	if from >= to {
		for h := from; h >= to; h-- {
			out = append(out, h)
			if h == 0 {
				break
			}
		}
		return out
	}
	for h := from; h <= to; h++ {
		out = append(out, h)
	}
	return out
}

func tx(version uint64) models.Transaction {
	v := version
	return models.Transaction{Version: &v, Hash: fmt.Sprintf("0xtx%d", version), Type: "user_transaction"}
}

func pendingTx(hash string) models.Transaction {
	return models.Transaction{Hash: hash, Type: "pending_transaction"}
}

func versionsOf(txs []models.Transaction) []uint64 {
	out := make([]uint64, 0, len(txs))
	for _, t := range txs {
		if t.Version != nil {
			out = append(out, *t.Version)
		}
	}
	return out
}
