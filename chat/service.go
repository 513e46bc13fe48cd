// Package chat runs the metered user actions: asking a question, looking up
// a verse and translating text. Each action costs one question from the
// caller's balance and is refunded when the upstream call fails.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nm2tech/tokenmeter"
)

// DefaultSystemPrompt frames every question.
const DefaultSystemPrompt = "You're a knowledgeable AI Bible assistant."

const translatePrompt = "You are a careful translator of scripture and devotional text. " +
	"Translate the user's text into %s. Reply with the translation only."

// Service orchestrates the metered actions.
type Service struct {
	gate           *tokenmeter.Gate
	completers     []tokenmeter.Completer
	scripture      tokenmeter.Scripture
	history        tokenmeter.HistoryStore
	health         *tokenmeter.HealthTracker
	logger         *zap.Logger
	systemPrompt   string
	promptBudget   int64
	defaultVersion string
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCompleters sets the completion upstreams, tried in order.
func WithCompleters(c ...tokenmeter.Completer) Option {
	return func(s *Service) { s.completers = c }
}

// WithScripture sets the verse lookup upstream.
func WithScripture(sc tokenmeter.Scripture) Option {
	return func(s *Service) { s.scripture = sc }
}

// WithHistory sets where answered questions are logged.
func WithHistory(h tokenmeter.HistoryStore) Option {
	return func(s *Service) { s.history = h }
}

// WithHealthTracker sets a custom health tracker.
func WithHealthTracker(h *tokenmeter.HealthTracker) Option {
	return func(s *Service) { s.health = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(s *Service) { s.systemPrompt = p }
}

// WithPromptBudget caps the estimated prompt size. Older turns are dropped first.
func WithPromptBudget(tokens int64) Option {
	return func(s *Service) { s.promptBudget = tokens }
}

// WithDefaultVersion sets the translation used when a lookup names none.
func WithDefaultVersion(v string) Option {
	return func(s *Service) { s.defaultVersion = v }
}

// WithClock sets the time source for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. A gate, at least one completer and a scripture
// source are required.
func New(gate *tokenmeter.Gate, opts ...Option) (*Service, error) {
	if gate == nil {
		return nil, fmt.Errorf("chat: a gate is required")
	}

	s := &Service{
		gate:         gate,
		systemPrompt: DefaultSystemPrompt,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.completers) == 0 {
		return nil, fmt.Errorf("chat: %w", tokenmeter.ErrNoCompleters)
	}
	if s.scripture == nil {
		return nil, fmt.Errorf("chat: a scripture source is required")
	}
	if s.health == nil {
		s.health = tokenmeter.NewHealthTracker()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Gate returns the service's gate.
func (s *Service) Gate() *tokenmeter.Gate { return s.gate }

// Answer is the result of Ask.
type Answer struct {
	Reply   string
	Account tokenmeter.Account
}

// Ask answers the last user message of the conversation.
func (s *Service) Ask(ctx context.Context, userID string, messages []tokenmeter.Message) (Answer, error) {
	question, err := lastUserMessage(messages)
	if err != nil {
		return Answer{}, err
	}

	prompt := make([]tokenmeter.Message, 0, len(messages)+1)
	prompt = append(prompt, tokenmeter.Message{Role: tokenmeter.RoleSystem, Content: s.systemPrompt})
	for _, m := range messages {
		if m.Role == tokenmeter.RoleSystem {
			continue
		}
		prompt = append(prompt, m)
	}
	prompt = tokenmeter.TrimHistory(prompt, s.promptBudget)

	var reply string
	acct, err := s.gate.Spend(ctx, userID, tokenmeter.ActionAsk, func(ctx context.Context) error {
		var err error
		reply, err = s.complete(ctx, prompt)
		return err
	})
	if err != nil {
		return Answer{Account: acct}, err
	}

	s.record(ctx, userID, tokenmeter.RoleUser, question)
	s.record(ctx, userID, tokenmeter.RoleAssistant, reply)
	return Answer{Reply: reply, Account: acct}, nil
}

// Passage is the result of Verse.
type Passage struct {
	tokenmeter.Verse
	Account tokenmeter.Account
}

// Verse looks up a passage by reference.
func (s *Service) Verse(ctx context.Context, userID, reference, version string) (Passage, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Passage{}, fmt.Errorf("%w: empty reference", tokenmeter.ErrInvalidRequest)
	}
	if version == "" {
		version = s.defaultVersion
	}

	var verse tokenmeter.Verse
	acct, err := s.gate.Spend(ctx, userID, tokenmeter.ActionVerse, func(ctx context.Context) error {
		var err error
		verse, err = s.scripture.Lookup(ctx, reference, version)
		return err
	})
	if err != nil {
		return Passage{Account: acct}, err
	}
	return Passage{Verse: verse, Account: acct}, nil
}

// Translation is the result of Translate.
type Translation struct {
	Text    string
	Account tokenmeter.Account
}

// Translate renders text in the target language.
func (s *Service) Translate(ctx context.Context, userID, text, language string) (Translation, error) {
	text = strings.TrimSpace(text)
	language = strings.TrimSpace(language)
	if text == "" || language == "" {
		return Translation{}, fmt.Errorf("%w: text and language are required", tokenmeter.ErrInvalidRequest)
	}

	prompt := []tokenmeter.Message{
		{Role: tokenmeter.RoleSystem, Content: fmt.Sprintf(translatePrompt, language)},
		{Role: tokenmeter.RoleUser, Content: text},
	}

	var out string
	acct, err := s.gate.Spend(ctx, userID, tokenmeter.ActionTranslate, func(ctx context.Context) error {
		var err error
		out, err = s.complete(ctx, prompt)
		return err
	})
	if err != nil {
		return Translation{Account: acct}, err
	}
	return Translation{Text: out, Account: acct}, nil
}

// complete tries each healthy completer in order.
func (s *Service) complete(ctx context.Context, prompt []tokenmeter.Message) (string, error) {
	var lastErr error
	attempts := 0
	for _, c := range s.completers {
		if s.health.GetHealth(c.Name()) == tokenmeter.HealthUnhealthy {
			continue
		}
		attempts++

		start := s.now()
		reply, err := c.Complete(ctx, prompt)
		if err == nil {
			s.health.RecordSuccess(c.Name())
			return reply, nil
		}

		s.logger.Warn("completion failed",
			zap.String("upstream", c.Name()),
			zap.Int("attempt", attempts),
			zap.Duration("duration", s.now().Sub(start)),
			zap.Error(err),
		)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		s.health.RecordFailure(c.Name())

		if tokenmeter.IsFatal(err) {
			return "", &FallbackError{Err: err, Upstream: c.Name(), Attempts: attempts}
		}
		lastErr = err
	}

	if lastErr != nil {
		return "", &FallbackError{Err: lastErr, Attempts: attempts}
	}
	return "", tokenmeter.ErrNoCompleters
}

// record appends to the chat log. Failures are logged and do not fail the action.
func (s *Service) record(ctx context.Context, userID, role, message string) {
	if s.history == nil {
		return
	}
	err := s.history.AppendHistory(context.WithoutCancel(ctx), tokenmeter.HistoryEntry{
		UserID:    userID,
		Role:      role,
		Message:   message,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.Error("append history", zap.String("user_id", userID), zap.Error(err))
	}
}

func lastUserMessage(messages []tokenmeter.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: no messages", tokenmeter.ErrInvalidRequest)
	}
	last := messages[len(messages)-1]
	if last.Role != tokenmeter.RoleUser || strings.TrimSpace(last.Content) == "" {
		return "", fmt.Errorf("%w: last message must be a non-empty user message", tokenmeter.ErrInvalidRequest)
	}
	return last.Content, nil
}

// FallbackError reports a completion that no upstream could serve.
type FallbackError struct {
	Err      error
	Upstream string // set when a fatal error stopped the fallback
	Attempts int
}

func (e *FallbackError) Error() string {
	if e.Upstream != "" {
		return fmt.Sprintf("chat: upstream=%s attempts=%d: %v", e.Upstream, e.Attempts, e.Err)
	}
	return fmt.Sprintf("chat: all upstreams failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FallbackError) Unwrap() error {
	return e.Err
}

// IsUpstreamFailure reports whether err came from an external API rather
// than from the store or the caller.
func IsUpstreamFailure(err error) bool {
	var fe *FallbackError
	return errors.As(err, &fe) ||
		errors.Is(err, tokenmeter.ErrNoCompleters) ||
		tokenmeter.IsRetryable(err) ||
		errors.Is(err, tokenmeter.ErrUpstreamAuth)
}
