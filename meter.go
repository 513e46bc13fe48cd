package tokenmeter

import "time"

// Meter observes metering events for monitoring/logging.
type Meter interface {
	// OnSpend is called after every metered action attempt.
	OnSpend(event SpendEvent)

	// OnCredit is called after every credit attempt, applied or not.
	OnCredit(event CreditEvent)
}

// SpendEvent describes a metered action attempt.
type SpendEvent struct {
	UserID   string
	Action   Action
	Cost     int64
	Balance  int64 // balance after the attempt
	Allowed  bool
	Refunded bool
	Duration time.Duration
	Error    error
}

// CreditEvent describes a credit attempt.
type CreditEvent struct {
	UserID  string
	Tier    string
	Amount  int64
	Source  CreditSource
	Key     string
	Applied bool
	Reason  string // why a credit was skipped
	Error   error
}
