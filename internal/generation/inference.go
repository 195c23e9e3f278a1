package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type transient interface {
	Transient() bool
}

// IsTransient reports whether any error in err's chain declares itself retryable.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t) && t.Transient()
}

type urlOutput interface {
	URL() string
}

// InferenceClient gates and retries provider calls.
type InferenceClient struct {
	provider   Provider
	gate       *semaphore.Weighted
	attempts   int
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
}

func NewInferenceClient(provider Provider, maxInFlight, attempts int, minBackoff, maxBackoff time.Duration, logger *zap.Logger) *InferenceClient {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if attempts < 1 {
		attempts = 1
	}
	return &InferenceClient{
		provider:   provider,
		gate:       semaphore.NewWeighted(int64(maxInFlight)),
		attempts:   attempts,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     logger.Named("inference"),
	}
}

// Run calls the model and returns the output URLs. Only transient errors are retried.
func (c *InferenceClient) Run(ctx context.Context, model string, params map[string]interface{}) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff(attempt - 1)
			c.logger.Warn("Retrying provider call",
				zap.String("model", model),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		raw, err := c.runGated(ctx, model, params)
		if err == nil {
			urls := normalizeOutputs(raw)
			if len(urls) == 0 {
				return nil, ErrNoOutputs
			}
			return urls, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("provider call failed after %d attempts: %w", c.attempts, lastErr)
}

func (c *InferenceClient) runGated(ctx context.Context, model string, params map[string]interface{}) ([]interface{}, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.gate.Release(1)
	return c.provider.Run(ctx, model, params)
}

// backoff doubles from minBackoff and is capped at maxBackoff.
func (c *InferenceClient) backoff(retry int) time.Duration {
	d := c.minBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	if c.maxBackoff > 0 && d > c.maxBackoff {
		return c.maxBackoff
	}
	return d
}

// normalizeOutputs flattens provider output items into URL strings.
func normalizeOutputs(raw []interface{}) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case urlOutput:
			if u := v.URL(); u != "" {
				out = append(out, u)
			}
		case map[string]interface{}:
			if u, ok := v["url"].(string); ok && u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}
