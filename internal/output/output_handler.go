package output

import (
	"context"

	"github.com/manifest-network/aptfeed/internal/models"
)

type OutputHandler interface {
	// WriteBlocks writes blocks to the output. Heights already present are ignored.
	WriteBlocks(ctx context.Context, blocks []models.Block) error

	// WriteTransactions writes committed transactions to the output.
	// Transactions without a version are skipped.
	WriteTransactions(ctx context.Context, transactions []models.Transaction) error

	// GetLatestBlock returns the latest block from the output.
	GetLatestBlock(ctx context.Context) (*models.Block, error)

	// GetMissingBlockIds returns the heights missing between the earliest and latest stored blocks.
	GetMissingBlockIds(ctx context.Context) ([]uint64, error)

	// Close closes the output handler.
	Close() error
}
