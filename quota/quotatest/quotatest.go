// Package quotatest holds behaviour tests shared by every Store backend.
package quotatest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nm2tech/tokenmeter"
)

const (
	day1 tokenmeter.Day = "2025-01-01"
	day2 tokenmeter.Day = "2025-01-02"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) tokenmeter.Store

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnsureIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Ensure(ctx, "u1", 1, day1))
		require.NoError(t, s.Deduct(ctx, "u1", 1))
		require.NoError(t, s.Ensure(ctx, "u1", 1, day1))

		bal, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), bal)
	})

	t.Run("BalanceUnknownUserIsZero", func(t *testing.T) {
		s := newStore(t)
		bal, err := s.Balance(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Equal(t, int64(0), bal)
	})

	t.Run("ResetIfStaleDiscardsUnused", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Credit(ctx, "u1", 50, day1))
		require.NoError(t, s.ResetIfStale(ctx, "u1", 1, day1))
		bal, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(50), bal, "same day must not reset")

		require.NoError(t, s.ResetIfStale(ctx, "u1", 1, day2))
		acct, err := s.Account(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), acct.TokensLeft)
		assert.Equal(t, day2, acct.LastReset)
		assert.True(t, acct.IsPaid, "reset keeps the paid flag")
	})

	t.Run("DeductHasNoFloor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Ensure(ctx, "u1", 0, day1))
		require.NoError(t, s.Deduct(ctx, "u1", 1))
		bal, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(-1), bal)
	})

	t.Run("CreditCreatesPaidRow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Credit(ctx, "abc", 300, day1))
		acct, err := s.Account(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, tokenmeter.Account{UserID: "abc", TokensLeft: 300, LastReset: day1, IsPaid: true}, acct)

		require.NoError(t, s.Credit(ctx, "abc", 50, day1))
		bal, err := s.Balance(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, int64(350), bal)
	})

	t.Run("RefreshCreatesAndResets", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		acct, err := s.Refresh(ctx, "u1", 1, day1)
		require.NoError(t, err)
		assert.Equal(t, tokenmeter.Account{UserID: "u1", TokensLeft: 1, LastReset: day1}, acct)

		require.NoError(t, s.Deduct(ctx, "u1", 1))
		acct, err = s.Refresh(ctx, "u1", 1, day1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), acct.TokensLeft)

		acct, err = s.Refresh(ctx, "u1", 1, day2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), acct.TokensLeft)
		assert.Equal(t, day2, acct.LastReset)
	})

	t.Run("TrySpendRefusesShortBalance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.TrySpend(ctx, "missing", 1)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Ensure(ctx, "u1", 1, day1))
		ok, err = s.TrySpend(ctx, "u1", 1)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TrySpend(ctx, "u1", 1)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Refund(ctx, "u1", 1))
		bal, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), bal)
	})

	t.Run("ConcurrentTrySpendNeverOverdraws", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Ensure(ctx, "u1", 5, day1))

		var wg sync.WaitGroup
		var spent atomic.Int64
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.TrySpend(ctx, "u1", 1)
				if err == nil && ok {
					spent.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(5), spent.Load())
		bal, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), bal)
	})

	t.Run("ConcurrentDeductIsNotLost", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Ensure(ctx, "u1", 1, day1))

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Deduct(ctx, "u1", 1))
			}()
		}
		wg.Wait()

		bal, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(-1), bal)
	})

	t.Run("CreditOnceSkipsReplays", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		applied, err := s.CreditOnce(ctx, "cs:1", "u1", 50, day1)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.CreditOnce(ctx, "cs:1", "u1", 50, day1)
		require.NoError(t, err)
		assert.False(t, applied)

		acct, err := s.Account(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(50), acct.TokensLeft)
		assert.True(t, acct.IsPaid)
	})

	t.Run("ConcurrentCreditOnceAppliesOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var applied atomic.Int64
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CreditOnce(ctx, "evt:dup", "u1", 25, day1)
				if err == nil && ok {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), applied.Load())
		bal, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(25), bal)
	})

	t.Run("PruneProcessedKeepsRecentKeys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreditOnce(ctx, "cs:recent", "u1", 10, day1)
		require.NoError(t, err)

		n, err := s.PruneProcessed(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = s.PruneProcessed(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// Once forgotten, the key credits again.
		applied, err := s.CreditOnce(ctx, "cs:recent", "u1", 10, day1)
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("AccountNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Account(context.Background(), "ghost")
		assert.True(t, errors.Is(err, tokenmeter.ErrAccountNotFound))
	})

	t.Run("AppendHistory", func(t *testing.T) {
		s := newStore(t)
		hs, ok := s.(tokenmeter.HistoryStore)
		if !ok {
			t.Skip("store does not keep history")
		}
		require.NoError(t, hs.AppendHistory(context.Background(), tokenmeter.HistoryEntry{
			UserID:    "u1",
			Role:      tokenmeter.RoleUser,
			Message:   "Who wrote Romans?",
			Timestamp: time.Now(),
		}))
	})
}
