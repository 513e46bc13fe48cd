package tokenmeter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultRetention is how long processed credit keys are remembered.
const DefaultRetention = 30 * 24 * time.Hour

// Gate sequences every metered action and every credit against a Store.
type Gate struct {
	policy    Policy
	store     Store
	meter     Meter
	now       func() time.Time
	loc       *time.Location
	retention time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithStore sets the token store.
func WithStore(s Store) Option {
	return func(g *Gate) { g.store = s }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithClock sets the time source used to compute today's date.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLocation sets the time zone whose midnight is the reset boundary.
func WithLocation(loc *time.Location) Option {
	return func(g *Gate) { g.loc = loc }
}

// WithRetention sets how long processed credit keys are kept.
func WithRetention(d time.Duration) Option {
	return func(g *Gate) { g.retention = d }
}

// NewGate creates a Gate for the given policy. A Store is required.
func NewGate(policy Policy, opts ...Option) (*Gate, error) {
	if policy.CostPerQuestion <= 0 {
		return nil, fmt.Errorf("tokenmeter: cost per question must be positive")
	}
	if policy.DailyAllotment < 0 {
		return nil, fmt.Errorf("tokenmeter: daily allotment must not be negative")
	}
	if len(policy.Tiers) == 0 {
		return nil, fmt.Errorf("tokenmeter: at least one tier is required")
	}

	g := &Gate{
		policy:    policy,
		now:       time.Now,
		loc:       time.UTC,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.store == nil {
		return nil, fmt.Errorf("tokenmeter: a store is required")
	}
	if g.meter == nil {
		g.meter = &noopMeter{}
	}
	if g.loc == nil {
		g.loc = time.UTC
	}
	return g, nil
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// Today returns the current calendar day in the gate's time zone.
func (g *Gate) Today() Day { return DayOf(g.now(), g.loc) }

// Check creates the account on first sight, resets it on a new day and
// returns the refreshed row.
func (g *Gate) Check(ctx context.Context, userID string) (Account, error) {
	if userID == "" {
		return Account{}, fmt.Errorf("%w: empty user id", ErrInvalidRequest)
	}
	return g.store.Refresh(ctx, userID, g.policy.DailyAllotment, g.Today())
}

// CanSpend runs Check and reports whether the balance covers one question.
func (g *Gate) CanSpend(ctx context.Context, userID string) (bool, error) {
	acct, err := g.Check(ctx, userID)
	if err != nil {
		return false, err
	}
	return g.policy.CanSpend(acct.TokensLeft), nil
}

// Charge deducts the cost of one question after an action completed.
// Paired with CanSpend it is not atomic: concurrent requests that all
// passed CanSpend can drive the balance negative. Spend does not have this gap.
func (g *Gate) Charge(ctx context.Context, userID string) error {
	return g.store.Deduct(ctx, userID, g.policy.CostPerQuestion)
}

// Account returns the stored row without creating or resetting it.
func (g *Gate) Account(ctx context.Context, userID string) (Account, error) {
	return g.store.Account(ctx, userID)
}

// Spend checks the account, takes the cost atomically and runs fn.
// If fn fails the cost is refunded, so only completed actions are charged.
// The returned account reflects the balance after the attempt.
func (g *Gate) Spend(ctx context.Context, userID string, action Action, fn func(context.Context) error) (Account, error) {
	start := g.now()
	cost := g.policy.CostPerQuestion

	acct, err := g.Check(ctx, userID)
	if err != nil {
		return Account{}, err
	}

	ok, err := g.store.TrySpend(ctx, userID, cost)
	if err != nil {
		return acct, err
	}
	if !ok {
		qe := &QuotaError{UserID: userID, Balance: acct.TokensLeft, Cost: cost}
		g.meter.OnSpend(SpendEvent{
			UserID:  userID,
			Action:  action,
			Cost:    cost,
			Balance: acct.TokensLeft,
			Error:   qe,
		})
		return acct, qe
	}
	acct.TokensLeft -= cost

	if err := fn(ctx); err != nil {
		// The request context may already be cancelled; the refund must still land.
		refundErr := g.store.Refund(context.WithoutCancel(ctx), userID, cost)
		ae := &ActionError{Err: err, Action: action, UserID: userID, Refunded: refundErr == nil}
		if refundErr != nil {
			ae.Err = errors.Join(err, fmt.Errorf("refund: %w", refundErr))
		} else {
			acct.TokensLeft += cost
		}
		g.meter.OnSpend(SpendEvent{
			UserID:   userID,
			Action:   action,
			Cost:     cost,
			Balance:  acct.TokensLeft,
			Allowed:  true,
			Refunded: refundErr == nil,
			Duration: g.now().Sub(start),
			Error:    ae,
		})
		return acct, ae
	}

	if balance, err := g.store.Balance(ctx, userID); err == nil {
		acct.TokensLeft = balance
	}
	g.meter.OnSpend(SpendEvent{
		UserID:   userID,
		Action:   action,
		Cost:     cost,
		Balance:  acct.TokensLeft,
		Allowed:  true,
		Duration: g.now().Sub(start),
	})
	return acct, nil
}

// ApplyTier credits the tokens of tier to userID. An unknown tier is
// reported as ErrUnknownTier and changes nothing.
func (g *Gate) ApplyTier(ctx context.Context, userID, tier string, source CreditSource) (int64, error) {
	amount, err := g.prepareCredit(ctx, "", userID, tier, source)
	if err != nil {
		return 0, err
	}

	err = g.store.Credit(ctx, userID, amount, g.Today())
	g.meter.OnCredit(CreditEvent{
		UserID:  userID,
		Tier:    tier,
		Amount:  amount,
		Source:  source,
		Applied: err == nil,
		Error:   err,
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// ApplyTierOnce is ApplyTier guarded by an idempotency key: the first call
// for key credits, replays return applied=false without touching the balance.
func (g *Gate) ApplyTierOnce(ctx context.Context, key, userID, tier string, source CreditSource) (bool, int64, error) {
	if key == "" {
		return false, 0, fmt.Errorf("%w: empty idempotency key", ErrInvalidRequest)
	}
	amount, err := g.prepareCredit(ctx, key, userID, tier, source)
	if err != nil {
		return false, 0, err
	}

	applied, err := g.store.CreditOnce(ctx, key, userID, amount, g.Today())
	event := CreditEvent{
		UserID:  userID,
		Tier:    tier,
		Amount:  amount,
		Source:  source,
		Key:     key,
		Applied: applied,
		Error:   err,
	}
	if err == nil && !applied {
		event.Reason = "duplicate"
	}
	g.meter.OnCredit(event)
	if err != nil {
		return false, 0, err
	}
	return applied, amount, nil
}

// prepareCredit resolves the tier amount and brings a stale row to today,
// so a credit is never wiped by the next day-boundary reset.
func (g *Gate) prepareCredit(ctx context.Context, key, userID, tier string, source CreditSource) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: empty user id", ErrInvalidRequest)
	}
	amount, ok := g.policy.Tiers.Credits(tier)
	if !ok {
		g.meter.OnCredit(CreditEvent{
			UserID: userID,
			Tier:   tier,
			Source: source,
			Key:    key,
			Reason: "unknown tier",
		})
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if err := g.store.ResetIfStale(ctx, userID, g.policy.DailyAllotment, g.Today()); err != nil {
		return 0, err
	}
	return amount, nil
}

// PruneProcessed forgets processed credit keys older than the retention window.
func (g *Gate) PruneProcessed(ctx context.Context) (int64, error) {
	return g.store.PruneProcessed(ctx, g.now().Add(-g.retention))
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnSpend(SpendEvent)   {}
func (m *noopMeter) OnCredit(CreditEvent) {}
