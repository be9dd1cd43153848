// Package retailtest provides in-memory collaborators for tests.
package retailtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// Call records one completion request.
type Call struct {
	System string
	User   string
}

// Completer answers completions from Reply. A nil Reply returns Text.
type Completer struct {
	Reply func(n int, system, user string) (string, error)
	Text  string

	// ChunkSize splits streamed replies. Zero streams rune by rune.
	ChunkSize int

	mu    sync.Mutex
	calls []Call
}

func (c *Completer) next(system, user string) (string, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, Call{System: system, User: user})
	c.mu.Unlock()
	if c.Reply == nil {
		return c.Text, nil
	}
	return c.Reply(n, system, user)
}

func (c *Completer) Complete(ctx context.Context, system, user string, _ float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.next(system, user)
}

func (c *Completer) CompleteStream(ctx context.Context, system, user string, _ float64, onToken retail.TokenFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := c.next(system, user)
	if err != nil {
		return "", err
	}
	size := c.ChunkSize
	if size <= 0 {
		size = 1
	}
	runes := []rune(text)
	var b strings.Builder
	for i := 0; i < len(runes); i += size {
		if err := ctx.Err(); err != nil {
			return b.String(), err
		}
		end := min(i+size, len(runes))
		chunk := string(runes[i:end])
		b.WriteString(chunk)
		if onToken != nil {
			if err := onToken(chunk); err != nil {
				return b.String(), err
			}
		}
	}
	return b.String(), nil
}

// Calls returns a copy of the recorded calls.
func (c *Completer) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Warehouse answers queries from Fn, or returns Result.
type Warehouse struct {
	Fn     func(ctx context.Context, sql string) (retail.Rows, error)
	Result retail.Rows

	mu      sync.Mutex
	queries []string
}

func (w *Warehouse) Query(ctx context.Context, sql string) (retail.Rows, error) {
	w.mu.Lock()
	w.queries = append(w.queries, sql)
	w.mu.Unlock()
	if w.Fn != nil {
		return w.Fn(ctx, sql)
	}
	return w.Result, nil
}

// Queries returns the executed statements in order.
func (w *Warehouse) Queries() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.queries...)
}

// Retriever returns Snippets or Err.
type Retriever struct {
	Snippets []retail.Snippet
	Err      error
}

func (r *Retriever) RetrieveTopK(ctx context.Context, _ string, k int) ([]retail.Snippet, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	if k > 0 && k < len(r.Snippets) {
		return r.Snippets[:k], nil
	}
	return r.Snippets, nil
}

// Schema is a fixed schema description.
type Schema string

func (s Schema) Describe(context.Context) string { return string(s) }

// Coupons is an in-memory coupon service that counts calls.
type Coupons struct {
	CreateErr  error
	PublishErr error

	mu       sync.Mutex
	nextID   int64
	creates  int
	publishs int
}

func (c *Coupons) CreateCoupon(ctx context.Context, name string, offer retail.Offer, durationDays int) (*retail.Coupon, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	if c.CreateErr != nil {
		return nil, fmt.Errorf("%w: %v", retail.ErrDownstreamCall, c.CreateErr)
	}
	c.nextID++
	return &retail.Coupon{ID: c.nextID}, nil
}

func (c *Coupons) PublishCoupon(ctx context.Context, couponID int64) (*retail.PublishResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishs++
	if c.PublishErr != nil {
		return nil, fmt.Errorf("%w: %v", retail.ErrDownstreamCall, c.PublishErr)
	}
	return &retail.PublishResult{Status: retail.PublishPublished, CouponID: couponID}, nil
}

// Counts returns the number of create and publish calls.
func (c *Coupons) Counts() (creates, publishes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.publishs
}
