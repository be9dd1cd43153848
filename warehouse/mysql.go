// Package warehouse runs guarded SQL against the MySQL retail warehouse and
// describes its schema for prompts.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// MySQL is a read-only retail.Warehouse.
type MySQL struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Option configures a MySQL warehouse.
type Option func(*MySQL)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *MySQL) { m.log = l }
}

// Open connects to the warehouse described by dsn. Temporal columns are
// returned as their text form.
func Open(ctx context.Context, dsn string, opts ...Option) (*MySQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("warehouse: parse dsn: %w", err)
	}
	cfg.ParseTime = false
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("warehouse: connector: %w", err)
	}
	db := sqlx.NewDb(sql.OpenDB(connector), "mysql")
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse: ping: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, opts ...Option) *MySQL {
	m := &MySQL{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the underlying pool.
func (m *MySQL) DB() *sqlx.DB { return m.db }

// Close closes the pool.
func (m *MySQL) Close() error { return m.db.Close() }

// Query runs sql inside a read-only transaction that is always rolled back.
// Columns keep the statement's order and byte values become strings.
func (m *MySQL) Query(ctx context.Context, query string) (retail.Rows, error) {
	tx, err := m.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return retail.Rows{}, fmt.Errorf("%w: begin: %v", retail.ErrExecutionError, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return retail.Rows{}, fmt.Errorf("%w: %v", retail.ErrExecutionError, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return retail.Rows{}, fmt.Errorf("%w: columns: %v", retail.ErrExecutionError, err)
	}

	out := retail.Rows{Columns: cols, Records: []map[string]any{}}
	for rows.Next() {
		rec := make(map[string]any, len(cols))
		if err := rows.MapScan(rec); err != nil {
			return retail.Rows{}, fmt.Errorf("%w: scan: %v", retail.ErrExecutionError, err)
		}
		for k, v := range rec {
			if b, ok := v.([]byte); ok {
				rec[k] = string(b)
			}
		}
		out.Records = append(out.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return retail.Rows{}, fmt.Errorf("%w: %v", retail.ErrExecutionError, err)
	}

	m.log.Debug("warehouse query", zap.Int("rows", out.Len()), zap.Int("columns", len(cols)))
	return out, nil
}

// Ensure MySQL implements retail.Warehouse at compile time.
var _ retail.Warehouse = (*MySQL)(nil)
