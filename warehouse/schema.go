package warehouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

const describeQuery = `SELECT TABLE_NAME AS table_name, COLUMN_NAME AS column_name,
	DATA_TYPE AS data_type, COLUMN_COMMENT AS column_comment
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE()
ORDER BY TABLE_NAME, ORDINAL_POSITION`

type columnRow struct {
	Table   string `db:"table_name"`
	Column  string `db:"column_name"`
	Type    string `db:"data_type"`
	Comment string `db:"column_comment"`
}

// SchemaDescriber renders the live warehouse schema, caching it for a TTL.
// When the schema cannot be read it returns the static hint.
type SchemaDescriber struct {
	db       *sqlx.DB
	ttl      time.Duration
	fallback string
	now      func() time.Time
	log      *zap.Logger

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// SchemaOption configures a SchemaDescriber.
type SchemaOption func(*SchemaDescriber)

// WithTTL sets how long a description is reused.
func WithTTL(d time.Duration) SchemaOption {
	return func(s *SchemaDescriber) { s.ttl = d }
}

// WithSchemaLogger sets the logger.
func WithSchemaLogger(l *zap.Logger) SchemaOption {
	return func(s *SchemaDescriber) { s.log = l }
}

// WithSchemaClock replaces the clock.
func WithSchemaClock(now func() time.Time) SchemaOption {
	return func(s *SchemaDescriber) { s.now = now }
}

// NewSchemaDescriber creates a describer over db. A nil db always yields fallback.
func NewSchemaDescriber(db *sqlx.DB, fallback string, opts ...SchemaOption) *SchemaDescriber {
	s := &SchemaDescriber{
		db:       db,
		ttl:      time.Minute,
		fallback: fallback,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Describe returns one line per table: table(col:type(comment), ...).
func (s *SchemaDescriber) Describe(ctx context.Context) string {
	if s.db == nil {
		return s.fallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" && s.now().Before(s.expires) {
		return s.cached
	}

	desc, err := s.load(ctx)
	if err != nil {
		s.log.Warn("schema description failed, using static hint", zap.Error(err))
		return s.fallback
	}
	if desc == "" {
		return s.fallback
	}
	s.cached = desc
	s.expires = s.now().Add(s.ttl)
	return desc
}

// Invalidate drops the cached description.
func (s *SchemaDescriber) Invalidate() {
	s.mu.Lock()
	s.cached = ""
	s.mu.Unlock()
}

func (s *SchemaDescriber) load(ctx context.Context) (string, error) {
	var cols []columnRow
	if err := s.db.SelectContext(ctx, &cols, describeQuery); err != nil {
		return "", fmt.Errorf("warehouse: describe schema: %w", err)
	}

	var lines []string
	var table string
	var fields []string
	flush := func() {
		if table != "" {
			lines = append(lines, fmt.Sprintf("%s(%s)", table, strings.Join(fields, ", ")))
		}
	}
	for _, c := range cols {
		if c.Table != table {
			flush()
			table, fields = c.Table, nil
		}
		field := c.Column + ":" + c.Type
		if c.Comment != "" {
			field += "(" + c.Comment + ")"
		}
		fields = append(fields, field)
	}
	flush()
	return strings.Join(lines, "\n"), nil
}

// Ensure SchemaDescriber implements retail.SchemaSource at compile time.
var _ retail.SchemaSource = (*SchemaDescriber)(nil)
