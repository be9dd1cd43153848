package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

const actionLogColumns = `id, idempotency_key, action_type, request_json, response_json,
	status, error_message, attempt, created_at, updated_at`

func scanActionLog(row pgx.Row) (*retail.ActionLogEntry, error) {
	var e retail.ActionLogEntry
	err := row.Scan(&e.ID, &e.IdempotencyKey, &e.ActionType, &e.RequestJSON, &e.ResponseJSON,
		&e.Status, &e.ErrorMessage, &e.Attempt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetActionLog returns the entry stored under key.
func (s *PGStore) GetActionLog(ctx context.Context, key string) (*retail.ActionLogEntry, error) {
	e, err := scanActionLog(s.db.QueryRow(ctx,
		`SELECT `+actionLogColumns+` FROM action_logs WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, retail.ErrActionLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retail: get action log: %w", err)
	}
	return e, nil
}

// ClaimAction inserts a pending entry, or takes over a failed entry or a
// pending one older than the lease, in one statement. The lease is measured
// on the database clock, which also stamps updated_at. The unique key decides
// between concurrent claimants.
func (s *PGStore) ClaimAction(ctx context.Context, claim retail.ActionClaim) (*retail.ActionLogEntry, bool, error) {
	e, err := scanActionLog(s.db.QueryRow(ctx, `
		INSERT INTO action_logs (id, idempotency_key, action_type, request_json, status, attempt)
		VALUES ($1, $2, $3, $4, 'pending', 1)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'pending',
			attempt = action_logs.attempt + 1,
			request_json = EXCLUDED.request_json,
			response_json = '',
			error_message = '',
			updated_at = NOW()
		WHERE action_logs.status = 'failed'
			OR (action_logs.status = 'pending' AND action_logs.updated_at < NOW() - $5::bigint * INTERVAL '1 microsecond')
		RETURNING `+actionLogColumns,
		uuid.New().String(), claim.IdempotencyKey, claim.ActionType, claim.RequestJSON, s.lease.Microseconds(),
	))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("retail: claim action: %w", err)
	}

	current, err := s.GetActionLog(ctx, claim.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// CompleteAction records the terminal status of the claim identified by key
// and attempt. It fails if the claim was taken over in the meantime.
func (s *PGStore) CompleteAction(ctx context.Context, key string, attempt int, status, responseJSON, errorMessage string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE action_logs
		SET status = $1, response_json = $2, error_message = $3, updated_at = NOW()
		WHERE idempotency_key = $4 AND attempt = $5 AND status = 'pending'
	`, status, responseJSON, errorMessage, key, attempt)
	if err != nil {
		return fmt.Errorf("retail: complete action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retail: complete action: claim %s#%d is no longer held", key, attempt)
	}
	return nil
}
