package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultEndpoint = "https://translate.googleapis.com/translate_a/single"

// GoogleClient talks to the public Google Translate web endpoint.
type GoogleClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewGoogleClient(endpoint string, timeout time.Duration, logger *zap.Logger) *GoogleClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &GoogleClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("translate"),
	}
}

// Translate detects the source language and translates text into target.
func (c *GoogleClient) Translate(ctx context.Context, text, target string) (string, error) {
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", "auto")
	q.Set("tl", target)
	q.Set("dt", "t")
	q.Set("q", text)

	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create translate request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read translate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translate failed with status %d", resp.StatusCode)
	}

	out, err := parseGoogleResponse(body)
	if err != nil {
		return "", err
	}
	c.logger.Debug("Translated text", zap.Int("in_len", len(text)), zap.Int("out_len", len(out)))
	return out, nil
}

// response shape: [[["translated","source",...],...], null, "ru", ...]
func parseGoogleResponse(body []byte) (string, error) {
	var raw []interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("failed to unmarshal translate response: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty translate response")
	}
	segments, ok := raw[0].([]interface{})
	if !ok {
		return "", fmt.Errorf("unexpected translate response layout")
	}
	var sb strings.Builder
	for _, seg := range segments {
		parts, ok := seg.([]interface{})
		if !ok || len(parts) == 0 {
			continue
		}
		if s, ok := parts[0].(string); ok {
			sb.WriteString(s)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("translate response contained no text")
	}
	return sb.String(), nil
}
