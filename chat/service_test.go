package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/chat"
	"github.com/nm2tech/tokenmeter/provider/mock"
	"github.com/nm2tech/tokenmeter/quota"
)

var testNow = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store *quota.MemoryStore, opts ...chat.Option) *chat.Service {
	t.Helper()
	gate, err := tokenmeter.NewGate(tokenmeter.DefaultPolicy(),
		tokenmeter.WithStore(store),
		tokenmeter.WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)

	base := []chat.Option{
		chat.WithScripture(mock.New(mock.WithReply("In the beginning God created the heaven and the earth."))),
		chat.WithHistory(store),
		chat.WithClock(func() time.Time { return testNow }),
	}
	svc, err := chat.New(gate, append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func ask(content string) []tokenmeter.Message {
	return []tokenmeter.Message{{Role: tokenmeter.RoleUser, Content: content}}
}

func TestNew_RequiresCompleter(t *testing.T) {
	gate, err := tokenmeter.NewGate(tokenmeter.DefaultPolicy(), tokenmeter.WithStore(quota.NewMemoryStore()))
	require.NoError(t, err)

	_, err = chat.New(gate, chat.WithScripture(mock.New()))
	assert.True(t, errors.Is(err, tokenmeter.ErrNoCompleters))

	_, err = chat.New(gate, chat.WithCompleters(mock.New()))
	assert.Error(t, err)
}

func TestAsk_SpendsOneQuestion(t *testing.T) {
	store := quota.NewMemoryStore()
	prov := mock.New(mock.WithReply("Paul wrote Romans."))
	svc := newTestService(t, store, chat.WithCompleters(prov))

	ans, err := svc.Ask(context.Background(), "u1", ask("Who wrote Romans?"))
	require.NoError(t, err)
	assert.Equal(t, "Paul wrote Romans.", ans.Reply)
	assert.Equal(t, int64(0), ans.Account.TokensLeft)

	sent := prov.LastMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, tokenmeter.Message{Role: tokenmeter.RoleSystem, Content: chat.DefaultSystemPrompt}, sent[0])

	h := store.History("u1")
	require.Len(t, h, 2)
	assert.Equal(t, "Who wrote Romans?", h[0].Message)
	assert.Equal(t, tokenmeter.RoleAssistant, h[1].Role)
	assert.True(t, testNow.Equal(h[1].Timestamp))
}

func TestAsk_RefusedWhenExhausted(t *testing.T) {
	store := quota.NewMemoryStore()
	prov := mock.New()
	svc := newTestService(t, store, chat.WithCompleters(prov))
	ctx := context.Background()

	_, err := svc.Ask(ctx, "u1", ask("first"))
	require.NoError(t, err)

	ans, err := svc.Ask(ctx, "u1", ask("second"))
	var qe *tokenmeter.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(0), qe.Balance)
	assert.Equal(t, int64(0), ans.Account.TokensLeft)
	assert.Equal(t, int64(1), prov.CallCount(), "refused questions never reach the upstream")
}

func TestAsk_FailedCompletionIsRefunded(t *testing.T) {
	store := quota.NewMemoryStore()
	svc := newTestService(t, store, chat.WithCompleters(mock.New(mock.WithError(tokenmeter.ErrUpstreamUnavailable))))

	ans, err := svc.Ask(context.Background(), "u1", ask("hello"))
	require.Error(t, err)
	assert.True(t, chat.IsUpstreamFailure(err))

	var ae *tokenmeter.ActionError
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.Refunded)
	assert.Equal(t, int64(1), ans.Account.TokensLeft)

	bal, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal)
	assert.Empty(t, store.History("u1"))
}

func TestAsk_FallsBackToNextCompleter(t *testing.T) {
	first := mock.New(mock.WithName("openai"), mock.WithError(tokenmeter.ErrUpstreamRateLimited))
	second := mock.New(mock.WithName("gemini"), mock.WithReply("from gemini"))
	svc := newTestService(t, quota.NewMemoryStore(), chat.WithCompleters(first, second))

	ans, err := svc.Ask(context.Background(), "u1", ask("hello"))
	require.NoError(t, err)
	assert.Equal(t, "from gemini", ans.Reply)
	assert.Equal(t, int64(1), first.CallCount())
}

func TestAsk_FatalErrorStopsFallback(t *testing.T) {
	first := mock.New(mock.WithName("openai"), mock.WithError(tokenmeter.ErrUpstreamAuth))
	second := mock.New(mock.WithName("gemini"))
	svc := newTestService(t, quota.NewMemoryStore(), chat.WithCompleters(first, second))

	_, err := svc.Ask(context.Background(), "u1", ask("hello"))
	var fe *chat.FallbackError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "openai", fe.Upstream)
	assert.True(t, errors.Is(err, tokenmeter.ErrUpstreamAuth))
	assert.Equal(t, int64(0), second.CallCount())
}

func TestAsk_SkipsUnhealthyCompleter(t *testing.T) {
	health := tokenmeter.NewHealthTracker()
	for i := 0; i < 3; i++ {
		health.RecordFailure("openai")
	}
	first := mock.New(mock.WithName("openai"))
	second := mock.New(mock.WithName("gemini"), mock.WithReply("healthy"))
	svc := newTestService(t, quota.NewMemoryStore(),
		chat.WithCompleters(first, second),
		chat.WithHealthTracker(health),
	)

	ans, err := svc.Ask(context.Background(), "u1", ask("hello"))
	require.NoError(t, err)
	assert.Equal(t, "healthy", ans.Reply)
	assert.Equal(t, int64(0), first.CallCount())
}

func TestAsk_AllUnhealthy(t *testing.T) {
	health := tokenmeter.NewHealthTracker()
	for i := 0; i < 3; i++ {
		health.RecordFailure("mock")
	}
	svc := newTestService(t, quota.NewMemoryStore(),
		chat.WithCompleters(mock.New()),
		chat.WithHealthTracker(health),
	)

	_, err := svc.Ask(context.Background(), "u1", ask("hello"))
	assert.True(t, errors.Is(err, tokenmeter.ErrNoCompleters))
	assert.True(t, chat.IsUpstreamFailure(err))
}

func TestAsk_RejectsMalformedConversation(t *testing.T) {
	store := quota.NewMemoryStore()
	svc := newTestService(t, store, chat.WithCompleters(mock.New()))
	ctx := context.Background()

	_, err := svc.Ask(ctx, "u1", nil)
	assert.True(t, errors.Is(err, tokenmeter.ErrInvalidRequest))

	_, err = svc.Ask(ctx, "u1", []tokenmeter.Message{{Role: tokenmeter.RoleAssistant, Content: "hi"}})
	assert.True(t, errors.Is(err, tokenmeter.ErrInvalidRequest))

	_, err = store.Account(ctx, "u1")
	assert.True(t, errors.Is(err, tokenmeter.ErrAccountNotFound), "rejected requests do not touch the store")
}

func TestAsk_TrimsLongConversation(t *testing.T) {
	prov := mock.New()
	svc := newTestService(t, quota.NewMemoryStore(),
		chat.WithCompleters(prov),
		chat.WithPromptBudget(60),
	)

	long := strings.Repeat("word ", 40)
	msgs := []tokenmeter.Message{
		{Role: tokenmeter.RoleSystem, Content: "client supplied prompt"},
		{Role: tokenmeter.RoleUser, Content: long},
		{Role: tokenmeter.RoleAssistant, Content: long},
		{Role: tokenmeter.RoleUser, Content: "And then?"},
	}
	_, err := svc.Ask(context.Background(), "u1", msgs)
	require.NoError(t, err)

	sent := prov.LastMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, chat.DefaultSystemPrompt, sent[0].Content)
	assert.Equal(t, "And then?", sent[1].Content)
}

func TestVerse(t *testing.T) {
	store := quota.NewMemoryStore()
	svc := newTestService(t, store,
		chat.WithCompleters(mock.New()),
		chat.WithDefaultVersion("kjv"),
	)

	p, err := svc.Verse(context.Background(), "u1", " Genesis 1:1 ", "")
	require.NoError(t, err)
	assert.Equal(t, "Genesis 1:1", p.Reference)
	assert.Equal(t, "kjv", p.Translation)
	assert.Equal(t, int64(0), p.Account.TokensLeft)

	_, err = svc.Verse(context.Background(), "u1", "", "kjv")
	assert.True(t, errors.Is(err, tokenmeter.ErrInvalidRequest))
}

func TestVerse_LookupFailureIsRefunded(t *testing.T) {
	store := quota.NewMemoryStore()
	gate, err := tokenmeter.NewGate(tokenmeter.DefaultPolicy(), tokenmeter.WithStore(store))
	require.NoError(t, err)
	svc, err := chat.New(gate,
		chat.WithCompleters(mock.New()),
		chat.WithScripture(mock.New(mock.WithError(tokenmeter.ErrUpstreamUnavailable))),
	)
	require.NoError(t, err)

	p, err := svc.Verse(context.Background(), "u1", "John 3:16", "kjv")
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Account.TokensLeft)
}

func TestTranslate(t *testing.T) {
	prov := mock.New(mock.WithResponseFunc(func(msgs []tokenmeter.Message) (string, error) {
		return "Au commencement", nil
	}))
	svc := newTestService(t, quota.NewMemoryStore(), chat.WithCompleters(prov))

	tr, err := svc.Translate(context.Background(), "u1", "In the beginning", "French")
	require.NoError(t, err)
	assert.Equal(t, "Au commencement", tr.Text)
	assert.Equal(t, int64(0), tr.Account.TokensLeft)

	sent := prov.LastMessages()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].Content, "French")
	assert.Equal(t, "In the beginning", sent[1].Content)

	_, err = svc.Translate(context.Background(), "u1", "text", "")
	assert.True(t, errors.Is(err, tokenmeter.ErrInvalidRequest))
}

func TestAsk_CancelledContextStillRefunds(t *testing.T) {
	store := quota.NewMemoryStore()
	svc := newTestService(t, store, chat.WithCompleters(mock.New(mock.WithLatency(time.Second))))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := svc.Ask(ctx, "u1", ask("slow"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	bal, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal)
}
