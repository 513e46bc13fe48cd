// Package bibleapi looks up passages from a bible-api.com compatible service.
package bibleapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nm2tech/tokenmeter"
)

const defaultBaseURL = "https://bible-api.com"

// Client is a Scripture backed by bible-api.com.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ tokenmeter.Scripture = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a new bible-api.com client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	Reference       string `json:"reference"`
	Text            string `json:"text"`
	TranslationID   string `json:"translation_id"`
	TranslationName string `json:"translation_name"`
	Error           string `json:"error"`
}

// Lookup fetches reference in version (e.g. "kjv", "web"). An empty version
// uses the service default.
func (c *Client) Lookup(ctx context.Context, reference, version string) (tokenmeter.Verse, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return tokenmeter.Verse{}, fmt.Errorf("%w: empty reference", tokenmeter.ErrInvalidRequest)
	}

	u := c.baseURL + "/" + url.PathEscape(reference)
	if version != "" {
		u += "?" + url.Values{"translation": {strings.ToLower(version)}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return tokenmeter.Verse{}, fmt.Errorf("tokenmeter/bibleapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tokenmeter.Verse{}, fmt.Errorf("%w: bibleapi: %v", tokenmeter.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return tokenmeter.Verse{}, fmt.Errorf("%w: passage not found: %s", tokenmeter.ErrInvalidRequest, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusTooManyRequests:
		return tokenmeter.Verse{}, tokenmeter.ErrUpstreamRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return tokenmeter.Verse{}, fmt.Errorf("%w: bibleapi: status %d", tokenmeter.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return tokenmeter.Verse{}, fmt.Errorf("%w: bibleapi: decode response: %v", tokenmeter.ErrUpstreamUnavailable, err)
	}
	if body.Error != "" {
		return tokenmeter.Verse{}, fmt.Errorf("%w: %s", tokenmeter.ErrInvalidRequest, body.Error)
	}

	return tokenmeter.Verse{
		Reference:   body.Reference,
		Text:        strings.TrimSpace(body.Text),
		Translation: body.TranslationName,
	}, nil
}
