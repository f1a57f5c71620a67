package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// BackoffDelay returns the exponential delay for the given zero-based attempt, capped at maxDelay.
func BackoffDelay(attempt uint, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := uint(0); i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Retry runs op until it succeeds, ctx is done or maxRetries retries have been spent.
func Retry(ctx context.Context, maxRetries uint, baseDelay time.Duration, op func() error) error {
	var err error
	for attempt := uint(0); ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= maxRetries {
			break
		}

		delay := BackoffDelay(attempt, baseDelay, maxRetryDelay)
		slog.Debug("Retrying after error", "attempt", attempt+1, "maxRetries", maxRetries, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}
