package kb

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

// Client queries a remote retrieval service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: hc}
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type queryResponse struct {
	Results []retail.Snippet `json:"results"`
}

// RetrieveTopK posts the query to /query.
func (c *Client) RetrieveTopK(ctx context.Context, query string, k int) ([]retail.Snippet, error) {
	body, err := json.Marshal(queryRequest{Query: query, TopK: k})
	if err != nil {
		return nil, fmt.Errorf("kb: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kb: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: kb query: %v", retail.ErrDownstreamCall, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: kb read: %v", retail.ErrDownstreamCall, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: kb query: status %d: %s", retail.ErrDownstreamCall, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out queryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: kb decode: %v", retail.ErrDownstreamCall, err)
	}
	if k > 0 && len(out.Results) > k {
		out.Results = out.Results[:k]
	}
	return out.Results, nil
}

// Ensure Client implements retail.Retriever at compile time.
var _ retail.Retriever = (*Client)(nil)
