package utils

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/manifest-network/aptfeed/internal/models"
	"github.com/pkg/errors"
)

// LedgerSource is anything that can report the node's ledger info.
type LedgerSource interface {
	GetLedgerInfo(ctx context.Context) (*models.LedgerInfo, error)
}

// GetLatestBlockHeightWithRetry gets current block height from the ledger info endpoint
func GetLatestBlockHeightWithRetry(ctx context.Context, src LedgerSource, maxRetries uint) (uint64, error) {
	var height uint64
	err := Retry(ctx, maxRetries, DefaultRetryDelay, func() error {
		info, err := src.GetLedgerInfo(ctx)
		if err != nil {
			return err
		}
		height = uint64(info.BlockHeight)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block height: %w", err)
	}
	return height, nil
}

// GetEarliestBlockHeight determines earliest available block on node.
// Returns 0 for archive nodes, or the oldest retained height for pruned nodes.
func GetEarliestBlockHeight(ctx context.Context, src LedgerSource, maxRetries uint) (uint64, error) {
	var height uint64
	err := Retry(ctx, maxRetries, DefaultRetryDelay, func() error {
		info, err := src.GetLedgerInfo(ctx)
		if err != nil {
			return err
		}
		height = uint64(info.OldestBlockHeight)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to determine earliest block height: %w", err)
	}
	return height, nil
}

var oldestHeightRe = regexp.MustCompile(`oldest (?:block )?height (?:is )?(\d+)`)

// ParseOldestHeightFromError extracts the oldest retained height from a pruned node error,
// e.g. "block has been pruned, oldest block height is 28566001". Returns 0 when absent.
func ParseOldestHeightFromError(errMsg string) uint64 {
	matches := oldestHeightRe.FindStringSubmatch(strings.ToLower(errMsg))
	if len(matches) >= 2 {
		height, err := strconv.ParseUint(matches[1], 10, 64)
		if err == nil {
			return height
		}
	}
	return 0
}

// ParseHeight parses a decimal block height as found in CLI arguments and node payloads.
func ParseHeight(s string) (uint64, error) {
	height, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.WithMessage(err, "error parsing height")
	}
	return height, nil
}

// ClampRange limits [start, stop] to what the node can serve.
// ok is false when nothing in the range is available.
func ClampRange(start, stop, earliest, latest uint64) (uint64, uint64, bool) {
	if start < earliest {
		start = earliest
	}
	if stop > latest {
		stop = latest
	}
	return start, stop, start <= stop
}
