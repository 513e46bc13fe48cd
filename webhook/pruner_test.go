package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/quota"
	"github.com/nm2tech/tokenmeter/webhook"
)

func TestPruner_RemovesExpiredKeysAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := quota.NewMemoryStore()
	ctx := context.Background()
	applied, err := store.CreditOnce(ctx, "cs:old", "abc", 50, "2025-01-01")
	require.NoError(t, err)
	require.True(t, applied)

	// A clock past the retention window makes every stored key expired.
	future := time.Now().Add(2 * tokenmeter.DefaultRetention)
	gate, err := tokenmeter.NewGate(tokenmeter.DefaultPolicy(),
		tokenmeter.WithStore(store),
		tokenmeter.WithClock(func() time.Time { return future }),
	)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- webhook.NewPruner(gate, 10*time.Millisecond, zap.New(core)).Run(runCtx) }()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("pruned processed credits").Len() > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}

	applied, err = store.CreditOnce(ctx, "cs:old", "abc", 50, "2025-01-01")
	require.NoError(t, err)
	assert.True(t, applied, "a pruned key is forgotten")
}

func TestNewPruner_DefaultsInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate, err := tokenmeter.NewGate(tokenmeter.DefaultPolicy(), tokenmeter.WithStore(quota.NewMemoryStore()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, webhook.NewPruner(gate, 0, nil).Run(ctx))
}
