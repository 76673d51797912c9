// Package fallback provides the stateless request/response transport used
// whenever the duplex channel is unavailable or a send fails.
//
// Each call is a single HTTP round trip with a bounded timeout. The package
// distinguishes timeouts, remote agent errors, and malformed responses in its
// error taxonomy; retry policy lives in the conversation controller, not here.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaiwalabs/reviewloop/internal/models"
)

// Default configuration constants
const (
	// DefaultTimeout bounds a single fallback request attempt.
	DefaultTimeout = 15 * time.Second
	// conversationPath is the fallback conversation endpoint path.
	conversationPath = "/api/conversation"
	// reviewPath is the fallback review endpoint path.
	reviewPath = "/api/review"
)

// Error variables for the transport taxonomy.
var (
	// ErrTimeout indicates the attempt exceeded its deadline. Callers treat
	// it as retryable.
	ErrTimeout = errors.New("fallback request timed out")
	// ErrMalformedResponse indicates the remote returned an unparseable or
	// incomplete body.
	ErrMalformedResponse = errors.New("malformed fallback response")
)

// RemoteError is a well-formed error response from the remote agent. It is not
// retried at the transport layer.
type RemoteError struct {
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote agent error: %s", e.Detail)
}

// IsRetryable reports whether an error from Request/RequestReview is a
// transport-level failure the caller may retry. Well-formed remote errors are
// not retryable.
func IsRetryable(err error) bool {
	var remoteErr *RemoteError
	return !errors.As(err, &remoteErr)
}

// Result is the outcome of a conversation request.
type Result struct {
	Message      string
	IsCompleted  bool
	TopicOptions []string
}

// ReviewResult is the outcome of a review request.
type ReviewResult struct {
	ReviewText string
}

// requestPayload is the wire shape of a fallback request.
type requestPayload struct {
	Conversation models.Transcript `json:"conversation"`
	Context      map[string]any    `json:"context,omitempty"`
}

// responsePayload is the wire shape of a fallback response.
type responsePayload struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message,omitempty"`
	IsCompleted  bool     `json:"isCompleted,omitempty"`
	TopicOptions []string `json:"topicOptions,omitempty"`
	ReviewText   string   `json:"reviewText,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Opts holds configuration options for the fallback client.
type Opts struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Option defines a configuration option for the fallback client.
type Option func(*Opts)

// WithBaseURL sets the agent service base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client is the stateless fallback transport. Safe for concurrent use.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a fallback client for the given agent service.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fallback base URL not set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	slog.Debug("fallback.NewClient: created", "base_url", cfg.BaseURL, "timeout", cfg.Timeout)
	return &Client{baseURL: cfg.BaseURL, timeout: cfg.Timeout, httpClient: cfg.HTTPClient}, nil
}

// Request performs one conversation round trip: the full transcript goes out,
// one agent reply comes back. No retries happen here.
func (c *Client) Request(ctx context.Context, transcript models.Transcript, meta map[string]any) (*Result, error) {
	resp, err := c.post(ctx, conversationPath, requestPayload{Conversation: transcript.Clone(), Context: meta})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		slog.Debug("fallback.Request: remote error response", "error", resp.Error)
		return nil, &RemoteError{Detail: resp.Error}
	}
	if resp.Message == "" {
		return nil, fmt.Errorf("%w: success response without message", ErrMalformedResponse)
	}
	return &Result{Message: resp.Message, IsCompleted: resp.IsCompleted, TopicOptions: resp.TopicOptions}, nil
}

// RequestReview performs one review-generation round trip.
func (c *Client) RequestReview(ctx context.Context, transcript models.Transcript, meta map[string]any) (*ReviewResult, error) {
	resp, err := c.post(ctx, reviewPath, requestPayload{Conversation: transcript.Clone(), Context: meta})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		slog.Debug("fallback.RequestReview: remote error response", "error", resp.Error)
		return nil, &RemoteError{Detail: resp.Error}
	}
	if resp.ReviewText == "" {
		return nil, fmt.Errorf("%w: success response without reviewText", ErrMalformedResponse)
	}
	return &ReviewResult{ReviewText: resp.ReviewText}, nil
}

// post performs a single bounded-timeout POST and classifies failures.
func (c *Client) post(ctx context.Context, path string, payload requestPayload) (*responsePayload, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fallback request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			slog.Warn("fallback request timed out", "path", path, "timeout", c.timeout)
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		slog.Warn("fallback request failed", "path", path, "error", err)
		return nil, fmt.Errorf("fallback request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback response: %w", err)
	}

	var resp responsePayload
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("fallback response unparseable", "path", path, "status", httpResp.StatusCode, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	// A non-2xx status with a well-formed error body is a remote error, which
	// the caller must not retry. Anything else non-2xx is malformed.
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		if resp.Error != "" {
			return &responsePayload{Success: false, Error: resp.Error}, nil
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrMalformedResponse, httpResp.StatusCode)
	}
	return &resp, nil
}
