// Package storage is the relational backbone: the durable job queue with its
// claim protocol, the transactional aggregate writer, goal range history, and
// per-user settings. All mutual exclusion lives here, in row locks and
// single-transaction multi-statement writes; callers hold no in-process locks.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/RyderHornbeck/waterai-server/internal/cache"
)

var (
	// ErrNotFound signals a missing, foreign, or already-deleted row.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited signals an exhausted daily submission counter.
	ErrRateLimited = errors.New("daily limit reached")
)

// RateLimits are the per-day submission ceilings per counter.
type RateLimits struct {
	Manual int
	Text   int
	Image  int
}

type Storage struct {
	pool   *pgxpool.Pool
	db     *sql.DB // for migrations
	cache  *cache.Cache
	limits RateLimits
}

func NewStorage(dsn string, c *cache.Cache, limits RateLimits) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db, cache: c, limits: limits}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// invalidate drops the user's cached derived values after a committed
// mutation. A nil cache (tests) is a no-op.
func (s *Storage) invalidate(userID string) {
	if s.cache != nil {
		s.cache.InvalidateUser(userID)
	}
}
