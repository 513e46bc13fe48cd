package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nm2tech/tokenmeter"
)

// Provider is a mock completer and scripture source for testing.
type Provider struct {
	name         string
	reply        string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	responseFunc func([]tokenmeter.Message) (string, error)

	mu   sync.Mutex
	last []tokenmeter.Message
}

var (
	_ tokenmeter.Completer = (*Provider)(nil)
	_ tokenmeter.Scripture = (*Provider)(nil)
)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:  "mock",
		reply: "Hello from mock provider",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithReply sets the fixed reply text.
func WithReply(reply string) Option {
	return func(p *Provider) { p.reply = reply }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func([]tokenmeter.Message) (string, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Complete(ctx context.Context, messages []tokenmeter.Message) (string, error) {
	if err := p.call(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.last = append([]tokenmeter.Message(nil), messages...)
	p.mu.Unlock()

	if p.responseFunc != nil {
		return p.responseFunc(messages)
	}
	return p.reply, nil
}

// Lookup returns the configured reply as the passage text.
func (p *Provider) Lookup(ctx context.Context, reference, version string) (tokenmeter.Verse, error) {
	if err := p.call(ctx); err != nil {
		return tokenmeter.Verse{}, err
	}
	return tokenmeter.Verse{Reference: reference, Text: p.reply, Translation: version}, nil
}

func (p *Provider) call(ctx context.Context) error {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return p.staticErr
	}
	if p.failAfter > 0 && int(count) > p.failAfter {
		return tokenmeter.ErrUpstreamUnavailable
	}
	return nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// LastMessages returns the conversation passed to the most recent Complete.
func (p *Provider) LastMessages() []tokenmeter.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
