// Package postgres is the durable action log and campaign store backed by
// PostgreSQL through pgx.
package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// PGStore implements retail.Store.
type PGStore struct {
	db    *pgxpool.Pool
	lease time.Duration
}

// Option configures a PGStore.
type Option func(*PGStore)

// WithClaimLease sets how long a pending claim blocks other claimants.
func WithClaimLease(d time.Duration) Option {
	return func(s *PGStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// New creates a PGStore over db.
func New(db *pgxpool.Pool, opts ...Option) *PGStore {
	s := &PGStore{db: db, lease: 2 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure PGStore implements retail.Store at compile time.
var _ retail.Store = (*PGStore)(nil)
