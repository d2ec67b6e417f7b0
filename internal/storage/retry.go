package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetriable reports whether err is a transient Postgres conflict that
// a fresh transaction can get past.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure and deadlock_detected. SaveRun's
	// delete-and-reinsert transaction is the main source of both.
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs fn, retrying up to maxRetries times on serialization
// and deadlock failures with jittered exponential backoff from baseDelay.
// Any other error returns immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // backoff jitter, not a security boundary
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
