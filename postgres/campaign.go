package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// CreateCampaign stores rec. A record already stored under the same
// idempotency key is returned unchanged instead.
func (s *PGStore) CreateCampaign(ctx context.Context, rec retail.CampaignRecord) (*retail.CampaignRecord, error) {
	rec.ID = uuid.New().String()

	err := s.db.QueryRow(ctx,
		`INSERT INTO campaigns (id, idempotency_key, name, goal, budget, duration_days, plan_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING created_at`,
		rec.ID, rec.IdempotencyKey, rec.Name, rec.Goal, rec.Budget, rec.DurationDays, rec.PlanJSON,
	).Scan(&rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetCampaign(ctx, rec.IdempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("retail: create campaign: %w", err)
	}
	return &rec, nil
}

// GetCampaign returns the campaign stored under an idempotency key.
func (s *PGStore) GetCampaign(ctx context.Context, key string) (*retail.CampaignRecord, error) {
	rec := &retail.CampaignRecord{IdempotencyKey: key}

	err := s.db.QueryRow(ctx,
		`SELECT id, name, goal, budget, duration_days, plan_json::text, created_at
		 FROM campaigns WHERE idempotency_key = $1`,
		key,
	).Scan(&rec.ID, &rec.Name, &rec.Goal, &rec.Budget, &rec.DurationDays, &rec.PlanJSON, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, retail.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retail: get campaign: %w", err)
	}
	return rec, nil
}
