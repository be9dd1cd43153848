// Package sqlite is an embedded implementation of retail.Store for local runs
// and tests. It keeps the same unique-key claim protocol as the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

//go:embed schema.sql
var schemaSQL string

// Store implements retail.Store on SQLite.
type Store struct {
	db    *sqlx.DB
	lease time.Duration
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClaimLease sets how long a pending claim blocks other claimants.
func WithClaimLease(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the database at path. ":memory:" gives a private in-memory
// database. Writes are serialized over a single connection.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("retail: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("retail: configure sqlite: %w", err)
	}

	s := &Store{db: db, lease: 2 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateSchema creates the tables if they do not exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("retail: create sqlite schema: %w", err)
	}
	return nil
}

type actionLogRow struct {
	ID             string `db:"id"`
	IdempotencyKey string `db:"idempotency_key"`
	ActionType     string `db:"action_type"`
	RequestJSON    string `db:"request_json"`
	ResponseJSON   string `db:"response_json"`
	Status         string `db:"status"`
	ErrorMessage   string `db:"error_message"`
	Attempt        int    `db:"attempt"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r actionLogRow) entry() *retail.ActionLogEntry {
	return &retail.ActionLogEntry{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		ActionType:     r.ActionType,
		RequestJSON:    r.RequestJSON,
		ResponseJSON:   r.ResponseJSON,
		Status:         r.Status,
		ErrorMessage:   r.ErrorMessage,
		Attempt:        r.Attempt,
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:      time.Unix(0, r.UpdatedAt).UTC(),
	}
}

const actionLogColumns = `id, idempotency_key, action_type, request_json, response_json,
	status, error_message, attempt, created_at, updated_at`

// GetActionLog returns the entry stored under key.
func (s *Store) GetActionLog(ctx context.Context, key string) (*retail.ActionLogEntry, error) {
	var row actionLogRow
	err := s.db.GetContext(ctx, &row, `SELECT `+actionLogColumns+` FROM action_logs WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retail.ErrActionLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retail: get action log: %w", err)
	}
	return row.entry(), nil
}

// ClaimAction inserts a pending entry, or takes over a failed entry or a
// pending one older than the lease.
func (s *Store) ClaimAction(ctx context.Context, claim retail.ActionClaim) (*retail.ActionLogEntry, bool, error) {
	now := s.now()
	var row actionLogRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO action_logs (id, idempotency_key, action_type, request_json, status, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 1, ?, ?)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'pending',
			attempt = action_logs.attempt + 1,
			request_json = excluded.request_json,
			response_json = '',
			error_message = '',
			updated_at = excluded.updated_at
		WHERE action_logs.status = 'failed'
			OR (action_logs.status = 'pending' AND action_logs.updated_at < ?)
		RETURNING `+actionLogColumns,
		uuid.New().String(), claim.IdempotencyKey, claim.ActionType, claim.RequestJSON,
		now.UnixNano(), now.UnixNano(), now.Add(-s.lease).UnixNano(),
	)
	if err == nil {
		return row.entry(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("retail: claim action: %w", err)
	}

	current, err := s.GetActionLog(ctx, claim.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// CompleteAction records the terminal status of a held claim.
func (s *Store) CompleteAction(ctx context.Context, key string, attempt int, status, responseJSON, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_logs
		SET status = ?, response_json = ?, error_message = ?, updated_at = ?
		WHERE idempotency_key = ? AND attempt = ? AND status = 'pending'
	`, status, responseJSON, errorMessage, s.now().UnixNano(), key, attempt)
	if err != nil {
		return fmt.Errorf("retail: complete action: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("retail: complete action: claim %s#%d is no longer held", key, attempt)
	}
	return nil
}

type campaignRow struct {
	ID             string  `db:"id"`
	IdempotencyKey string  `db:"idempotency_key"`
	Name           string  `db:"name"`
	Goal           string  `db:"goal"`
	Budget         float64 `db:"budget"`
	DurationDays   int     `db:"duration_days"`
	PlanJSON       string  `db:"plan_json"`
	CreatedAt      int64   `db:"created_at"`
}

// CreateCampaign stores rec, or returns the record already stored under its
// idempotency key.
func (s *Store) CreateCampaign(ctx context.Context, rec retail.CampaignRecord) (*retail.CampaignRecord, error) {
	row := campaignRow{
		ID:             uuid.New().String(),
		IdempotencyKey: rec.IdempotencyKey,
		Name:           rec.Name,
		Goal:           rec.Goal,
		Budget:         rec.Budget,
		DurationDays:   rec.DurationDays,
		PlanJSON:       rec.PlanJSON,
		CreatedAt:      s.now().UnixNano(),
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO campaigns (id, idempotency_key, name, goal, budget, duration_days, plan_json, created_at)
		VALUES (:id, :idempotency_key, :name, :goal, :budget, :duration_days, :plan_json, :created_at)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, row)
	if err != nil {
		return nil, fmt.Errorf("retail: create campaign: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.GetCampaign(ctx, rec.IdempotencyKey)
	}
	return row.record(), nil
}

// GetCampaign returns the campaign stored under an idempotency key.
func (s *Store) GetCampaign(ctx context.Context, key string) (*retail.CampaignRecord, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, idempotency_key, name, goal, budget, duration_days, plan_json, created_at
		FROM campaigns WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retail.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retail: get campaign: %w", err)
	}
	return row.record(), nil
}

func (r campaignRow) record() *retail.CampaignRecord {
	return &retail.CampaignRecord{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		Name:           r.Name,
		Goal:           r.Goal,
		Budget:         r.Budget,
		DurationDays:   r.DurationDays,
		PlanJSON:       r.PlanJSON,
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
	}
}

var _ retail.Store = (*Store)(nil)
