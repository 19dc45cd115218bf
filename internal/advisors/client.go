package advisors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 1 << 20
)

var (
	// ErrUnavailable wraps transport failures, 5xx and rate limiting at the model endpoint.
	ErrUnavailable = errors.New("advisors: model unavailable")
	// ErrRejected wraps 4xx responses such as content-policy refusals.
	ErrRejected = errors.New("advisors: prompt rejected")
)

// CompletionRequest is the structured input sent to the hosted model.
type CompletionRequest struct {
	Advisor      string `json:"advisor"`
	Instructions string `json:"instructions"`
	Prompt       string `json:"input"`
	UserID       string `json:"user,omitempty"`
}

// Completion is the model's structured answer.
type Completion struct {
	Text         string `json:"output_text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ClientConfig configures the model endpoint.
type ClientConfig struct {
	Endpoint   string
	Token      string
	Model      string
	HTTPClient *http.Client
}

// Client calls a JSON completion endpoint with bearer-token auth.
type Client struct {
	endpoint string
	token    string
	model    string
	http     *http.Client
}

// NewClient validates cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("advisors: endpoint is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		endpoint: endpoint,
		token:    strings.TrimSpace(cfg.Token),
		model:    strings.TrimSpace(cfg.Model),
		http:     httpClient,
	}, nil
}

// Complete sends one prompt. Calls are not retried since every call is billed by the model vendor.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	payload := struct {
		CompletionRequest
		Model string `json:"model,omitempty"`
	}{CompletionRequest: req, Model: c.model}
	data, err := json.Marshal(payload)
	if err != nil {
		return Completion{}, fmt.Errorf("advisors: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return Completion{}, fmt.Errorf("advisors: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Completion{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Completion{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var out Completion
	if err := json.Unmarshal(body, &out); err != nil {
		return Completion{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Text == "" {
		return Completion{}, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	if out.Model == "" {
		out.Model = c.model
	}
	return out, nil
}
