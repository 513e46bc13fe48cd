package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nm2tech/tokenmeter"
)

// Provider is an OpenAI-compatible chat completion adapter.
// Works with OpenAI and any server exposing /chat/completions.
type Provider struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	temperature *float64
	httpClient  *http.Client
}

var _ tokenmeter.Completer = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      "gpt-3.5-turbo",
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(apiKey string, opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", apiKey, opts...)
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	Choices []struct {
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
}

func (p *Provider) Complete(ctx context.Context, messages []tokenmeter.Message) (string, error) {
	msgs := make([]apiMessage, len(messages))
	for i, m := range messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}

	jsonBody, err := json.Marshal(apiRequest{Model: p.model, Messages: msgs, Temperature: p.temperature})
	if err != nil {
		return "", fmt.Errorf("tokenmeter/openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("tokenmeter/openaicompat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", tokenmeter.ErrUpstreamUnavailable, p.name, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return "", err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", tokenmeter.ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices in response", tokenmeter.ErrUpstreamUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return tokenmeter.ErrUpstreamRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return tokenmeter.ErrUpstreamAuth
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", tokenmeter.ErrInvalidRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", tokenmeter.ErrUpstreamUnavailable, resp.StatusCode)
	}
}
