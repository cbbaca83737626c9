package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Retry budget for user writes (insert, update, delete). Reads are single
// statements under READ COMMITTED and cannot fail with a serialization
// conflict, so they run once.
const (
	writeRetries   = 3
	writeBaseDelay = 10 * time.Millisecond
)

// retryableCodes are the SQLSTATEs of transient conflicts that rerunning the
// same statement can resolve.
var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retryableCodes[pgErr.Code]
}

// WithRetry runs fn and reruns it while it fails with a transient conflict,
// at most maxRetries more times. The wait before rerun n is baseDelay<<n plus
// up to baseDelay of jitter. A cancelled ctx ends the wait with ctx.Err().
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < maxRetries && isRetriable(err); attempt++ {
		if werr := wait(ctx, backoff(baseDelay, attempt)); werr != nil {
			return werr
		}
		err = fn()
	}
	return err
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if base > 0 {
		d += rand.N(base) //nolint:gosec // jitter only
	}
	return d
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// write runs a user write under the write retry budget.
func (db *DB) write(ctx context.Context, fn func() error) error {
	return WithRetry(ctx, writeRetries, writeBaseDelay, fn)
}
