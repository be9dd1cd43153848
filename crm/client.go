// Package crm talks to the coupon-management service.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// Client is a retail.CouponService over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a Client rooted at baseURL with a ten second request timeout.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: hc}
}

type createRequest struct {
	Name         string       `json:"name"`
	Offer        retail.Offer `json:"offer"`
	DurationDays int          `json:"duration_days"`
}

// CreateCoupon creates a draft coupon for offer.
func (c *Client) CreateCoupon(ctx context.Context, name string, offer retail.Offer, durationDays int) (*retail.Coupon, error) {
	var out retail.Coupon
	if err := c.post(ctx, "/coupons", createRequest{Name: name, Offer: offer, DurationDays: durationDays}, &out); err != nil {
		return nil, err
	}
	if out.ID == 0 {
		return nil, fmt.Errorf("%w: create coupon: response has no coupon_id", retail.ErrDownstreamCall)
	}
	return &out, nil
}

// PublishCoupon publishes a draft coupon.
func (c *Client) PublishCoupon(ctx context.Context, couponID int64) (*retail.PublishResult, error) {
	var out retail.PublishResult
	if err := c.post(ctx, fmt.Sprintf("/coupons/%d/publish", couponID), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("crm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("crm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", retail.ErrDownstreamCall, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", retail.ErrDownstreamCall, path, err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: POST %s: status %d: %s", retail.ErrDownstreamCall, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", retail.ErrDownstreamCall, path, err)
	}
	return nil
}

// Ensure Client implements retail.CouponService at compile time.
var _ retail.CouponService = (*Client)(nil)
