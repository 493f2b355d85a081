// Package inference calls the AI provider's messages API. Input reaching
// this package has already been through redaction; the guard enforces that,
// not this client.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	defaultModel     = "claude-3-5-sonnet-20241022"
	defaultMaxTokens = 1024

	// Inference calls are the slowest external dependency this service has.
	apiTimeout = 30 * time.Second
)

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Type       string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("inference: api responded with status %d (%s)", e.StatusCode, e.Type)
	}
	return fmt.Sprintf("inference: api responded with status %d", e.StatusCode)
}

func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Analysis is one completed inference call.
type Analysis struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client is the provider-facing contract, narrow enough to fake in tests.
type Client interface {
	Analyze(ctx context.Context, prompt string) (Analysis, error)
}

// Config for the messages API client. APIKey is required; the rest defaults.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

type messagesClient struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &messagesClient{
		cfg:  cfg,
		http: &http.Client{Timeout: apiTimeout},
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type string `json:"type"`
	} `json:"error"`
}

func (c *messagesClient) Analyze(ctx context.Context, prompt string) (Analysis, error) {
	payload, err := json.Marshal(messagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Analysis{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/messages", strings.NewReader(string(payload)))
	if err != nil {
		return Analysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return Analysis{}, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var body messagesResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil && body.Error != nil {
			apiErr.Type = body.Error.Type
		}
		return Analysis{}, apiErr
	}
	if decodeErr != nil {
		return Analysis{}, fmt.Errorf("decode messages response: %w", decodeErr)
	}

	var out strings.Builder
	for _, block := range body.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return Analysis{}, fmt.Errorf("empty response from inference api")
	}

	return Analysis{
		Text:         out.String(),
		Model:        body.Model,
		InputTokens:  body.Usage.InputTokens,
		OutputTokens: body.Usage.OutputTokens,
	}, nil
}
