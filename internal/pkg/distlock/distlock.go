// Package distlock keeps notification passes single-flight across processes.
// The server and any standalone workers share one Postgres database but may
// or may not share a Redis instance; the factory picks the backend that is
// actually available.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is taken around one scan or digest pass. Implementations are for
// single-goroutine use; concurrent holders need separate instances.
type DistLock interface {
	// Acquire reports whether the caller now holds the lock.
	Acquire(ctx context.Context) (bool, error)
	// Release drops the lock if the caller still owns it.
	Release(ctx context.Context) error
}

// NewLock picks the backend: Redis when a client is configured, otherwise
// Postgres advisory locks on the shared database. Redis is preferred because
// its TTL recovers from a crashed holder without waiting for a connection to
// drop.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock rides on pg_try_advisory_lock / pg_advisory_unlock. Advisory
// locks are session-scoped, so a crashed holder's lock clears as soon as its
// connection drops.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock maps the key to a stable 64-bit advisory lock ID. Every
// process hashing the same key contends on the same lock.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release unlocks the advisory lock for this session.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
