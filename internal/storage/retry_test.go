package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

// ---- retryOnConflict ----

func TestRetryOnConflict_RecoversFromSerializationFailure(t *testing.T) {
	calls := 0
	err := retryOnConflict(context.Background(), 4, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflict_StopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := retryOnConflict(context.Background(), 4, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflict_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := retryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "55P03"}
	})
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "55P03", pgErr.Code)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflict_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnConflict(ctx, 4, time.Hour, func() error {
		calls++
		cancel()
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
