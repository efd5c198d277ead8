package service

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const maxTxAttempts = 3

// retryable reports whether err is a store-level conflict that a fresh
// transaction attempt can resolve: serialization failure, deadlock, or a
// lock timeout. Business rejections never classify as retryable.
func retryable(err error) bool {
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

// backoff sleeps a short jittered interval before the next attempt, or
// returns early when the request context is done.
func backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt) * 10 * time.Millisecond
	delay += time.Duration(rand.Int63n(int64(5 * time.Millisecond)))
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
