package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/manifest-network/aptfeed/internal/models"
)

const (
	ledgerInfoPath    = "/v1"
	blockByHeightPath = "/v1/blocks/by_height/{height}"
	transactionsPath  = "/v1/transactions"
)

// APIError is the error body returned by the node REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error_code"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("node returned %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("node returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the node, e.g. a height beyond the head.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsPruned reports whether err says the requested data is older than what the node retains.
func IsPruned(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusGone || apiErr.ErrorCode == "block_pruned" || apiErr.ErrorCode == "version_pruned"
}

// RESTClient talks to the node REST API.
type RESTClient struct {
	http *resty.Client
}

// NewRESTClient returns a client for the node REST API rooted at baseURL.
// Transient failures (transport errors, 429 and 5xx) are retried up to maxRetries times.
func NewRESTClient(baseURL string, timeout time.Duration, maxRetries uint) *RESTClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(int(maxRetries)).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
	return &RESTClient{http: c}
}

// GetLedgerInfo returns the node's current ledger info.
func (c *RESTClient) GetLedgerInfo(ctx context.Context) (*models.LedgerInfo, error) {
	var info models.LedgerInfo
	if err := c.get(ctx, ledgerInfoPath, nil, nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get ledger info: %w", err)
	}
	return &info, nil
}

// GetLedgerHead returns the current chain head height.
func (c *RESTClient) GetLedgerHead(ctx context.Context) (uint64, error) {
	info, err := c.GetLedgerInfo(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(info.BlockHeight), nil
}

// GetBlockByHeight fetches a single block, optionally with its transactions.
func (c *RESTClient) GetBlockByHeight(ctx context.Context, height uint64, withTransactions bool) (*models.Block, error) {
	var block models.Block
	err := c.get(ctx, blockByHeightPath,
		map[string]string{"height": strconv.FormatUint(height, 10)},
		map[string]string{"with_transactions": strconv.FormatBool(withTransactions)},
		&block,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", height, err)
	}
	return &block, nil
}

// GetRecentTransactions fetches the latest limit transactions, oldest first as the node returns them.
func (c *RESTClient) GetRecentTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := c.get(ctx, transactionsPath, nil,
		map[string]string{"limit": strconv.Itoa(limit)},
		&txs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent transactions: %w", err)
	}
	return txs, nil
}

func (c *RESTClient) get(ctx context.Context, path string, pathParams, query map[string]string, out interface{}) error {
	apiErr := &APIError{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(pathParams).
		SetQueryParams(query).
		SetResult(out).
		SetError(apiErr).
		Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		return apiErr
	}
	return nil
}
