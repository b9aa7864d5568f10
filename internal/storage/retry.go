package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Status updates race only with each other (a cancelled request's detached
// update against a retry of the same execution). These bound how long one
// conditional UPDATE keeps trying before the conflict is reported.
const (
	statusUpdateAttempts  = 4
	statusUpdateBaseDelay = 10 * time.Millisecond
)

// isConflict reports Postgres errors that mean another transaction held the
// execution row: serialization failure, deadlock, or a lock wait that timed out.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// retryOnConflict runs fn up to attempts times while it fails with a row
// conflict, sleeping base, 2*base, ... plus up to the same again in jitter.
// Any other error, or ctx ending, stops immediately.
func retryOnConflict(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	delay := base
	for n := 1; ; n++ {
		err := fn()
		if err == nil || !isConflict(err) || n >= attempts {
			return err
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter, not security
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
