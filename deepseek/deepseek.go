// Package deepseek implements retail.Completer over the OpenAI-compatible
// chat completions API served by DeepSeek.
package deepseek

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/metrics"
)

const defaultBaseURL = "https://api.deepseek.com"
const maxAttempts = 2

// Fail reasons reported on the llm calls metric.
const (
	FailReasonTimeout      = "timeout"
	FailReasonNetworkError = "network_error"
	FailReasonRateLimited  = "rate_limited"
	FailReasonServerError  = "server_error"
	FailReasonBadRequest   = "bad_request"
	FailReasonEmpty        = "empty_response"
	FailReasonUnknownError = "unknown_error"
)

// Client calls the chat completions endpoint.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout bounds each request, streaming included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables the limit.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		} else {
			c.limiter = nil
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client for model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   model,
		client:  &http.Client{},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete returns the full completion. Transport failures, 429 and 5xx
// responses are retried once.
func (c *Client) Complete(ctx context.Context, system, user string, temperature float64) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", retail.ErrEmptyPrompt
	}
	body, err := c.buildRequest(system, user, temperature, false)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		started := time.Now()
		content, err := c.sendOnce(ctx, body)
		if err == nil {
			metrics.RecordLLMCall(c.model, "success", "", time.Since(started))
			return content, nil
		}

		reason := classifyError(err)
		metrics.RecordLLMCall(c.model, "failed", reason, time.Since(started))
		lastErr = err
		if ctx.Err() != nil || !retryable(reason) {
			return "", err
		}
		c.log.Warn("completion failed",
			zap.Int("attempt", attempt),
			zap.String("reason", reason),
			zap.Error(err))
	}
	return "", lastErr
}

// CompleteStream streams the completion into onToken. A request that fails
// before the first token is retried once; a broken stream is not.
func (c *Client) CompleteStream(ctx context.Context, system, user string, temperature float64, onToken retail.TokenFunc) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", retail.ErrEmptyPrompt
	}
	body, err := c.buildRequest(system, user, temperature, true)
	if err != nil {
		return "", err
	}

	var resp *http.Response
	started := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err = c.post(ctx, body)
		if err == nil {
			break
		}
		reason := classifyError(err)
		metrics.RecordLLMCall(c.model, "failed", reason, time.Since(started))
		if ctx.Err() != nil || !retryable(reason) || attempt == maxAttempts {
			return "", err
		}
		c.log.Warn("stream request failed", zap.Int("attempt", attempt), zap.String("reason", reason), zap.Error(err))
		started = time.Now()
	}
	defer resp.Body.Close()

	text, err := readStream(resp.Body, onToken)
	if err != nil {
		metrics.RecordLLMCall(c.model, "failed", classifyError(err), time.Since(started))
		return text, err
	}
	metrics.RecordLLMCall(c.model, "success", "", time.Since(started))
	return text, nil
}

func (c *Client) buildRequest(system, user string, temperature float64, stream bool) ([]byte, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("deepseek: marshal request: %w", err)
	}
	return body, nil
}

// sendOnce makes a single non-streaming request.
func (c *Client) sendOnce(ctx context.Context, body []byte) (string, error) {
	resp, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("deepseek: read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", retail.ErrProviderFailed, err)
	}
	if len(parsed.Choices) == 0 {
		return "", &statusError{reason: FailReasonEmpty, msg: "no choices in response"}
	}
	if parsed.Usage.TotalTokens > 0 {
		c.log.Debug("completion usage",
			zap.Int("prompt_tokens", parsed.Usage.PromptTokens),
			zap.Int("completion_tokens", parsed.Usage.CompletionTokens))
	}
	return parsed.Choices[0].Message.Content, nil
}

// post sends body and returns the response when the status is 200.
func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepseek: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepseek: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode, reason: statusReason(resp.StatusCode), msg: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// readStream consumes server-sent events until [DONE] or EOF.
func readStream(r io.Reader, onToken retail.TokenFunc) (string, error) {
	var b strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return b.String(), fmt.Errorf("%w: parse stream chunk: %v", retail.ErrProviderFailed, err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		b.WriteString(token)
		if onToken != nil {
			if err := onToken(token); err != nil {
				return b.String(), err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return b.String(), fmt.Errorf("deepseek: read stream: %w", err)
	}
	return b.String(), nil
}

type statusError struct {
	code   int
	reason string
	msg    string
}

func (e *statusError) Error() string {
	if e.code == 0 {
		return fmt.Sprintf("%s: %s", retail.ErrProviderFailed, e.msg)
	}
	return fmt.Sprintf("%s: status %d: %s", retail.ErrProviderFailed, e.code, e.msg)
}

func (e *statusError) Unwrap() error { return retail.ErrProviderFailed }

func statusReason(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return FailReasonRateLimited
	case code >= 500:
		return FailReasonServerError
	default:
		return FailReasonBadRequest
	}
}

// classifyError categorizes an error to determine the fail reason.
func classifyError(err error) string {
	var se *statusError
	if errors.As(err, &se) {
		return se.reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailReasonTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailReasonTimeout
		}
		return FailReasonNetworkError
	}

	if errors.Is(err, context.Canceled) {
		return FailReasonNetworkError
	}
	return FailReasonUnknownError
}

func retryable(reason string) bool {
	switch reason {
	case FailReasonTimeout, FailReasonNetworkError, FailReasonRateLimited, FailReasonServerError:
		return true
	}
	return false
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Temperature has no omitempty: zero is a meaningful setting.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Ensure Client implements retail.Completer at compile time.
var _ retail.Completer = (*Client)(nil)
