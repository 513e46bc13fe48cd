package tokenmeter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nm2tech/tokenmeter"
)

func TestTierTable(t *testing.T) {
	tiers := tokenmeter.DefaultTiers()

	amount, ok := tiers.Credits("patron")
	assert.True(t, ok)
	assert.Equal(t, int64(300), amount)

	_, ok = tiers.Credits("gold")
	assert.False(t, ok)

	_, ok = tokenmeter.TierTable{"free": 0}.Credits("free")
	assert.False(t, ok, "non-positive credits are not a tier")

	assert.Equal(t, []tokenmeter.Tier{
		{Name: "supporter", Credits: 50},
		{Name: "sustainer", Credits: 150},
		{Name: "patron", Credits: 300},
	}, tiers.Sorted())
}

func TestPolicy(t *testing.T) {
	p := tokenmeter.DefaultPolicy()

	assert.True(t, p.CanSpend(1))
	assert.False(t, p.CanSpend(0))
	assert.False(t, p.CanSpend(-1))

	assert.False(t, p.IsStale("2025-03-10", "2025-03-10"))
	assert.True(t, p.IsStale("2025-03-09", "2025-03-10"))
}

func TestDay(t *testing.T) {
	ts := time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, tokenmeter.Day("2025-03-10"), tokenmeter.DayOf(ts, nil))
	assert.Equal(t, tokenmeter.Day("2025-03-11"), tokenmeter.DayOf(ts, time.FixedZone("UTC+2", 2*60*60)))

	d, err := tokenmeter.ParseDay("2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", d.String())

	_, err = tokenmeter.ParseDay("10/03/2025")
	assert.Error(t, err)
}
