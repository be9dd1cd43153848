package retail

import (
	"context"
	"errors"
)

var (
	ErrActionLogNotFound = errors.New("retail: action log not found")
	ErrCampaignNotFound  = errors.New("retail: campaign not found")
)

// ActionClaim is the request to take ownership of an idempotency key.
type ActionClaim struct {
	IdempotencyKey string
	ActionType     string
	RequestJSON    string
}

// Store defines the contract for the durable action log and campaign records.
type Store interface {
	// Schema
	CreateSchema(ctx context.Context) error

	// Action log. ClaimAction atomically inserts a pending entry or re-claims a
	// failed or stale one; when claimed is false the current entry is returned.
	GetActionLog(ctx context.Context, key string) (*ActionLogEntry, error)
	ClaimAction(ctx context.Context, claim ActionClaim) (entry *ActionLogEntry, claimed bool, err error)
	CompleteAction(ctx context.Context, key string, attempt int, status, responseJSON, errorMessage string) error

	// Campaigns. CreateCampaign returns the existing record when one is already
	// stored under the same idempotency key.
	CreateCampaign(ctx context.Context, rec CampaignRecord) (*CampaignRecord, error)
	GetCampaign(ctx context.Context, key string) (*CampaignRecord, error)
}
