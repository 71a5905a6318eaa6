package database

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// ErrLockHeld is returned when another process already holds the
// instance lock.
var ErrLockHeld = fmt.Errorf("advisory lock already held by another instance")

// InstanceLock is a session-scoped Postgres advisory lock used to ensure
// only one copy of the service runs against a given database. Key pool,
// rate limiter, and circuit breaker state are not safe to share across
// processes, so a second instance must refuse to start.
type InstanceLock struct {
	conn *sql.Conn
	key  int64
}

// AcquireInstanceLock takes a session advisory lock derived from name.
// The lock is held on a dedicated connection for the life of the process.
func AcquireInstanceLock(ctx context.Context, db *sql.DB, name string) (*InstanceLock, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	key := int64(h.Sum64())

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrLockHeld
	}

	return &InstanceLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *InstanceLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return closeErr
}
