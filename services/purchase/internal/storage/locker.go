package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/locks"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ locks.Locker = (*AdvisoryLocker)(nil)

// AdvisoryLocker serializes on a session-level pg_advisory_lock held by a
// dedicated pool connection until release.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewAdvisoryLocker(pool *pgxpool.Pool, logger *slog.Logger) *AdvisoryLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLocker{pool: pool, logger: logger}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", locks.ErrNotAcquired, key, ctx.Err())
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		// A cancelled wait may leave the connection mid-protocol.
		_ = conn.Hijack().Close(context.Background())
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", locks.ErrNotAcquired, key, ctx.Err())
		}
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			l.logger.Warn("advisory unlock failed", "key", key, "error", err)
			// Closing the session drops every lock it still holds.
			_ = conn.Hijack().Close(unlockCtx)
			return
		}
		conn.Release()
	}, nil
}
