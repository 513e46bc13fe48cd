package tokenmeter

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientQuota   = errors.New("tokenmeter: insufficient quota")
	ErrUnknownTier         = errors.New("tokenmeter: unknown tier")
	ErrAccountNotFound     = errors.New("tokenmeter: account not found")
	ErrInvalidSignature    = errors.New("tokenmeter: invalid signature")
	ErrInvalidRequest      = errors.New("tokenmeter: invalid request")
	ErrNoCompleters        = errors.New("tokenmeter: no completers available")
	ErrUpstreamAuth        = errors.New("tokenmeter: upstream authentication failed")
	ErrUpstreamRateLimited = errors.New("tokenmeter: rate limited by upstream")
	ErrUpstreamUnavailable = errors.New("tokenmeter: upstream unavailable")
)

// QuotaError reports a refused spend.
type QuotaError struct {
	UserID  string
	Balance int64
	Cost    int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("tokenmeter: user=%s balance=%d cost=%d: insufficient quota",
		e.UserID, e.Balance, e.Cost)
}

func (e *QuotaError) Unwrap() error {
	return ErrInsufficientQuota
}

// ActionError wraps a failed metered action with its context.
type ActionError struct {
	Err      error
	Action   Action
	UserID   string
	Refunded bool
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("tokenmeter: action=%s user=%s refunded=%t: %v",
		e.Action, e.UserID, e.Refunded, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried with another upstream.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUpstreamAuth) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the error can be retried with another upstream.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamRateLimited) ||
		errors.Is(err, ErrUpstreamUnavailable)
}
