package retail

import "context"

// TokenFunc receives incremental completion text. Returning an error stops the stream.
type TokenFunc func(token string) error

// Completer is the text-completion collaborator.
type Completer interface {
	Complete(ctx context.Context, system, user string, temperature float64) (string, error)
	// CompleteStream invokes onToken for every chunk and returns the concatenated text.
	CompleteStream(ctx context.Context, system, user string, temperature float64, onToken TokenFunc) (string, error)
}

// Retriever is the knowledge retrieval collaborator.
type Retriever interface {
	RetrieveTopK(ctx context.Context, query string, k int) ([]Snippet, error)
}

// CouponService is the downstream coupon-management collaborator.
type CouponService interface {
	CreateCoupon(ctx context.Context, name string, offer Offer, durationDays int) (*Coupon, error)
	PublishCoupon(ctx context.Context, couponID int64) (*PublishResult, error)
}

// Warehouse executes guarded read-only SQL.
type Warehouse interface {
	Query(ctx context.Context, sql string) (Rows, error)
}

// SchemaSource describes the warehouse schema for prompts.
type SchemaSource interface {
	Describe(ctx context.Context) string
}
