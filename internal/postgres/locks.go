package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SourceLocks implements per-source mutual exclusion with Postgres advisory
// locks. Advisory locks are session-scoped, so each held lock pins one pool
// connection until release; a crashed process releases its locks when the
// session drops, which is exactly the failure behavior we want.
type SourceLocks struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[uuid.UUID]*pgxpool.Conn
}

// NewSourceLocks creates a SourceLocks over the given pool.
func NewSourceLocks(pool *pgxpool.Pool) *SourceLocks {
	return &SourceLocks{pool: pool, held: map[uuid.UUID]*pgxpool.Conn{}}
}

// lockKey derives the advisory lock key from the source id. FNV-1a over the
// UUID bytes; collisions across sources are theoretically possible but only
// cost spurious lock contention, never corruption.
func lockKey(sourceID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write(sourceID[:])
	return int64(h.Sum64())
}

// TryAdvisoryLock attempts a non-blocking lock for the source. Returns false
// when another session holds it.
func (l *SourceLocks) TryAdvisoryLock(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	l.mu.Lock()
	if _, ok := l.held[sourceID]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for source lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey(sourceID)).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	l.held[sourceID] = conn
	l.mu.Unlock()
	return true, nil
}

// ReleaseAdvisoryLock unlocks and returns the pinned connection to the pool.
// Releasing a lock this process does not hold is a no-op.
func (l *SourceLocks) ReleaseAdvisoryLock(ctx context.Context, sourceID uuid.UUID) error {
	l.mu.Lock()
	conn, ok := l.held[sourceID]
	delete(l.held, sourceID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(sourceID)); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
