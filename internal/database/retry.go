package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lightfriend/internal/constants"
	"lightfriend/internal/retry"
)

var dbBackoff = retry.BackoffConfig{
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
}

// withRetry runs a write that may hit a transient lock.
func withRetry(ctx context.Context, operationName string, operation func() error) error {
	err := retry.NewBackoff(dbBackoff).RetryWithPredicate(ctx, operation, isRetryableDBError)
	if err != nil {
		return fmt.Errorf("%s: %w", operationName, err)
	}
	return nil
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked") ||
		strings.Contains(errStr, "disk I/O error")
}
