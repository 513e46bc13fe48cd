package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nm2tech/tokenmeter"
)

// Provider is the Gemini API adapter.
type Provider struct {
	client      *genai.Client
	model       string
	temperature *float32
}

var _ tokenmeter.Completer = (*Provider)(nil)

type options struct {
	baseURL     string
	httpClient  *http.Client
	model       string
	temperature *float32
}

// Option configures the provider.
type Option func(*options)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = genai.Ptr(float32(t)) }
}

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	o := options{model: "gemini-2.0-flash"}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
	}
	if o.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/gemini: create client: %w", err)
	}
	return &Provider{client: client, model: o.model, temperature: o.temperature}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Complete(ctx context.Context, messages []tokenmeter.Message) (string, error) {
	config := &genai.GenerateContentConfig{Temperature: p.temperature}

	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case tokenmeter.RoleSystem:
			system = append(system, m.Content)
		case tokenmeter.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return "", mapError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty candidates in response", tokenmeter.ErrUpstreamUnavailable)
	}
	return text, nil
}

func mapError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) {
			return fmt.Errorf("%w: gemini: %v", tokenmeter.ErrUpstreamUnavailable, err)
		}
		apiErr = *apiErrPtr
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return tokenmeter.ErrUpstreamRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return tokenmeter.ErrUpstreamAuth
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", tokenmeter.ErrInvalidRequest, apiErr.Message)
	default:
		return fmt.Errorf("%w: gemini: status %d", tokenmeter.ErrUpstreamUnavailable, apiErr.Code)
	}
}
