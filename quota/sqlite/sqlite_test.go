package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/quota/quotatest"
	"github.com/nm2tech/tokenmeter/quota/sqlite"
)

func openTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.db")
	s, err := sqlite.Open(context.Background(), path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	quotatest.Run(t, func(t *testing.T) tokenmeter.Store {
		return openTestStore(t)
	})
}

func TestStore_SharedFileBetweenProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	chat, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer chat.Close()
	hook, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer hook.Close()

	_, err = chat.Refresh(ctx, "u1", 1, "2025-01-01")
	require.NoError(t, err)

	applied, err := hook.CreditOnce(ctx, "cs:test_1", "u1", 50, "2025-01-01")
	require.NoError(t, err)
	assert.True(t, applied)

	acct, err := chat.Refresh(ctx, "u1", 1, "2025-01-01")
	require.NoError(t, err)
	assert.Equal(t, int64(51), acct.TokensLeft)
	assert.True(t, acct.IsPaid)
}

func TestStore_PruneUsesClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, sqlite.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.CreditOnce(ctx, "cs:old", "u1", 10, "2025-01-01")
	require.NoError(t, err)
	now = now.Add(40 * 24 * time.Hour)
	_, err = s.CreditOnce(ctx, "cs:new", "u1", 10, "2025-02-10")
	require.NoError(t, err)

	n, err := s.PruneProcessed(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	applied, err := s.CreditOnce(ctx, "cs:new", "u1", 10, "2025-02-10")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStore_History(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.AppendHistory(ctx, tokenmeter.HistoryEntry{UserID: "u1", Role: tokenmeter.RoleUser, Message: "Who wrote Romans?", Timestamp: ts}))
	require.NoError(t, s.AppendHistory(ctx, tokenmeter.HistoryEntry{UserID: "u1", Role: tokenmeter.RoleAssistant, Message: "Paul.", Timestamp: ts.Add(time.Second)}))
	require.NoError(t, s.AppendHistory(ctx, tokenmeter.HistoryEntry{UserID: "u2", Role: tokenmeter.RoleUser, Message: "other"}))

	h, err := s.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "Who wrote Romans?", h[0].Message)
	assert.True(t, ts.Equal(h[0].Timestamp))
	assert.Equal(t, tokenmeter.RoleAssistant, h[1].Role)
}

func TestStore_ClosedDatabasePropagatesErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.db")
	ctx := context.Background()
	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Balance(ctx, "u1")
	assert.Error(t, err)
	_, err = s.Refresh(ctx, "u1", 1, "2025-01-01")
	assert.Error(t, err)
	_, err = s.TrySpend(ctx, "u1", 1)
	assert.Error(t, err)
	_, err = s.CreditOnce(ctx, "cs:x", "u1", 1, "2025-01-01")
	assert.Error(t, err)
}
