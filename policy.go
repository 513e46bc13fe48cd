package tokenmeter

import "sort"

// Defaults observed in the deployed chat apps.
const (
	DefaultDailyAllotment  int64 = 1
	DefaultCostPerQuestion int64 = 1
)

// DefaultTiers is the donation tier table used when none is configured.
func DefaultTiers() TierTable {
	return TierTable{
		"supporter": 50,
		"sustainer": 150,
		"patron":    300,
	}
}

// TierTable maps a donation tier name to the tokens it credits.
// It is static for the life of a process and shared by every credit path.
type TierTable map[string]int64

// Credits returns the token amount for tier.
func (t TierTable) Credits(tier string) (int64, bool) {
	amount, ok := t[tier]
	if !ok || amount <= 0 {
		return 0, false
	}
	return amount, true
}

// Tier is a named donation level.
type Tier struct {
	Name    string `json:"name"`
	Credits int64  `json:"credits"`
}

// Sorted returns the tiers ordered by credit amount, cheapest first.
func (t TierTable) Sorted() []Tier {
	tiers := make([]Tier, 0, len(t))
	for name, amount := range t {
		tiers = append(tiers, Tier{Name: name, Credits: amount})
	}
	sort.Slice(tiers, func(i, j int) bool {
		if tiers[i].Credits != tiers[j].Credits {
			return tiers[i].Credits < tiers[j].Credits
		}
		return tiers[i].Name < tiers[j].Name
	})
	return tiers
}

// Policy decides when quota resets, what a question costs and what a tier credits.
type Policy struct {
	DailyAllotment  int64
	CostPerQuestion int64
	Tiers           TierTable
}

// DefaultPolicy returns the policy of the deployed apps.
func DefaultPolicy() Policy {
	return Policy{
		DailyAllotment:  DefaultDailyAllotment,
		CostPerQuestion: DefaultCostPerQuestion,
		Tiers:           DefaultTiers(),
	}
}

// CanSpend reports whether balance covers one question.
func (p Policy) CanSpend(balance int64) bool {
	return balance >= p.CostPerQuestion
}

// IsStale reports whether an account last reset on lastReset needs a reset today.
func (p Policy) IsStale(lastReset, today Day) bool {
	return lastReset != today
}
