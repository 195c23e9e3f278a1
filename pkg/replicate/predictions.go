package replicate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Prediction struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Version string         `json:"version"`
	Status  string         `json:"status"` // starting | processing | succeeded | failed | canceled
	Output  interface{}    `json:"output"`
	Error   interface{}    `json:"error"`
	Logs    string         `json:"logs"`
	URLs    PredictionURLs `json:"urls"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

type PredictionURLs struct {
	Get    string `json:"get"`
	Cancel string `json:"cancel"`
}

// PredictionError is returned when the model itself failed; it is never retried.
type PredictionError struct {
	ID      string
	Status  string
	Message string
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("prediction %s %s: %s", e.ID, e.Status, e.Message)
}

type createRequest struct {
	Version string                 `json:"version,omitempty"`
	Input   map[string]interface{} `json:"input"`
}

// CreatePrediction starts a prediction. model is either "owner/name" (latest version
// of an official model) or "owner/name:version".
func (c *Client) CreatePrediction(ctx context.Context, model string, input map[string]interface{}) (*Prediction, error) {
	owner, name, version, err := splitModel(model)
	if err != nil {
		return nil, err
	}

	var endpoint string
	payload := createRequest{Input: input}
	if version != "" {
		endpoint = c.baseURL + "/predictions"
		payload.Version = version
	} else {
		endpoint = fmt.Sprintf("%s/models/%s/%s/predictions", c.baseURL, url.PathEscape(owner), url.PathEscape(name))
	}

	var pred Prediction
	if err := c.doJSON(ctx, "POST", endpoint, payload, &pred); err != nil {
		return nil, fmt.Errorf("create prediction for %s: %w", model, err)
	}
	if pred.ID == "" {
		return nil, fmt.Errorf("prediction id missing in response for %s", model)
	}
	c.logger.Debug("Prediction created", zap.String("id", pred.ID), zap.String("model", model), zap.String("status", pred.Status))
	return &pred, nil
}

func (c *Client) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	var pred Prediction
	if err := c.doJSON(ctx, "GET", c.baseURL+"/predictions/"+url.PathEscape(id), nil, &pred); err != nil {
		return nil, fmt.Errorf("get prediction %s: %w", id, err)
	}
	return &pred, nil
}

// Wait polls until the prediction reaches a terminal state.
func (c *Client) Wait(ctx context.Context, pred *Prediction) (*Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	current := pred
	for {
		switch current.Status {
		case "succeeded":
			return current, nil
		case "failed", "canceled":
			return nil, &PredictionError{ID: current.ID, Status: current.Status, Message: fmt.Sprint(current.Error)}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("polling timed out for prediction %s: %w", current.ID, ctx.Err())
		case <-ticker.C:
			next, err := c.GetPrediction(ctx, current.ID)
			if err != nil {
				return nil, err
			}
			c.logger.Debug("Polling prediction", zap.String("id", next.ID), zap.String("status", next.Status))
			current = next
		}
	}
}

// Run creates a prediction, waits for it and returns its output as a list.
// A scalar output becomes a one-element list.
func (c *Client) Run(ctx context.Context, model string, input map[string]interface{}) ([]interface{}, error) {
	pred, err := c.CreatePrediction(ctx, model, input)
	if err != nil {
		return nil, err
	}
	done, err := c.Wait(ctx, pred)
	if err != nil {
		return nil, err
	}
	switch out := done.Output.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return out, nil
	default:
		return []interface{}{out}, nil
	}
}

// RunText runs a language model and joins its streamed tokens.
func (c *Client) RunText(ctx context.Context, model string, input map[string]interface{}) (string, error) {
	items, err := c.Run(ctx, model, input)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, it := range items {
		if s, ok := it.(string); ok {
			sb.WriteString(s)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func splitModel(model string) (owner, name, version string, err error) {
	ref := model
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		ref, version = ref[:i], ref[i+1:]
	}
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid model reference %q, want owner/name[:version]", model)
	}
	return parts[0], parts[1], version, nil
}
