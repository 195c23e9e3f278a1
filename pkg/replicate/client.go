package replicate

import (
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
)

const DefaultBaseURL = "https://api.replicate.com/v1"

type Client struct {
	apiToken     string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	logger       *zap.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithPolling sets the prediction poll interval and the overall wait per prediction.
func WithPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.timeout = timeout
	}
}

func NewClient(apiToken string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		apiToken:     apiToken,
		baseURL:      DefaultBaseURL,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		pollInterval: 2 * time.Second,
		timeout:      10 * time.Minute,
		logger:       logger.Named("replicate"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("replicate API error %d: %s", e.StatusCode, e.Detail)
}

// Transient reports whether retrying the same call may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// TransportError wraps network failures talking to the API.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "replicate transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Transient() bool {
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return true
	}
	return errors.Is(e.Err, io.ErrUnexpectedEOF) || errors.Is(e.Err, io.EOF)
}

// IsTransient reports whether err belongs to the retryable class.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

func (c *Client) doRequest(ctx context.Context, method, url string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("API request failed", zap.String("method", method), zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, &APIError{StatusCode: resp.StatusCode, Detail: errorDetail(respBody)}
	}
	return respBody, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}
	respBody, err := c.doRequest(ctx, method, url, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w, body: %s", err, truncate(string(respBody), 300))
	}
	return nil
}

func errorDetail(body []byte) string {
	var e struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil && (e.Detail != "" || e.Title != "") {
		if e.Detail == "" {
			return e.Title
		}
		return e.Detail
	}
	return truncate(strings.TrimSpace(string(body)), 300)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
