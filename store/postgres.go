// Package store is the durable store of record: inventory counters,
// reservations, orders and purchase tracking in PostgreSQL. All writes go
// through explicit transactions; callers own retry policy.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the PostgreSQL connection pool.
type Store struct {
	db *sql.DB

	// stmtTimeout bounds every statement issued by this store. The hot
	// path uses a short timeout; the reconciler constructs its own Store
	// handle with a longer one.
	stmtTimeout time.Duration
}

// New opens a connection pool and verifies connectivity.
func New(connectionString string, stmtTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, stmtTimeout: stmtTimeout}, nil
}

// Close shuts the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTimeout applies the statement timeout unless the caller already set
// a tighter deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.stmtTimeout)
}
