package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Advisory lock keys. Session-scoped Postgres advisory locks serve as
// cross-process run-mutexes for the scheduler and synchronizer: they hold
// for the life of one pinned connection and vanish with it, so a crashed
// holder never wedges the next run.
const (
	LockKeyIngest int64 = 0x72657669657731 // "review1"
	LockKeySync   int64 = 0x72657669657732 // "review2"
)

// RunLock is a held advisory lock. Release returns the pinned connection
// to the pool, dropping the lock.
type RunLock struct {
	conn *sql.Conn
	key  int64
}

// TryAcquireRunLock attempts to take the advisory lock without blocking.
// Returns (nil, nil) when another process already holds it.
func (s *Store) TryAcquireRunLock(ctx context.Context, key int64) (*RunLock, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock conn: %w", err)
	}

	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1);`, key).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !got {
		_ = conn.Close()
		return nil, nil
	}
	return &RunLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *RunLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1);`, l.key)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return closeErr
}
