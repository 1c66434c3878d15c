package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

const unlockTimeout = 5 * time.Second

// TryLock implements reconcile.Locker with a session-level advisory lock.
// The lock lives on a connection taken out of the pool for the lifetime of
// the hold; release unlocks and returns the connection.
func (s *Storage) TryLock(ctx context.Context, name string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock %s: %w", name, err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock %s: %w", name, err)
	}
	if !locked {
		conn.Release()
		return nil, reconcile.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, name); err != nil {
			// The session still holds the lock; drop the connection so the
			// server releases it.
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}
