package tokenmeter

import (
	"context"
	"time"
)

// Store is the per-user token ledger. It applies amounts exactly as asked;
// sufficiency checks belong to the Policy and the Gate.
type Store interface {
	// Ensure inserts a row with allotment tokens and today's date if none exists.
	Ensure(ctx context.Context, userID string, allotment int64, today Day) error

	// ResetIfStale overwrites tokens_left with allotment when last_reset != today.
	ResetIfStale(ctx context.Context, userID string, allotment int64, today Day) error

	// Balance returns tokens_left, or 0 when no row exists.
	Balance(ctx context.Context, userID string) (int64, error)

	// Deduct subtracts amount with no floor.
	Deduct(ctx context.Context, userID string, amount int64) error

	// Credit adds amount and marks the account paid, creating it when absent.
	Credit(ctx context.Context, userID string, amount int64, today Day) error

	// Refresh runs Ensure and ResetIfStale and reads the row in one transaction.
	Refresh(ctx context.Context, userID string, allotment int64, today Day) (Account, error)

	// TrySpend subtracts cost only if tokens_left >= cost. Reports whether it did.
	TrySpend(ctx context.Context, userID string, cost int64) (bool, error)

	// Refund gives back amount from a spend whose action did not complete.
	Refund(ctx context.Context, userID string, amount int64) error

	// CreditOnce records key in the processed ledger and credits in one
	// transaction. A key that was already recorded is a no-op (applied=false).
	CreditOnce(ctx context.Context, key, userID string, amount int64, today Day) (applied bool, err error)

	// PruneProcessed drops processed keys recorded before the cutoff.
	PruneProcessed(ctx context.Context, before time.Time) (int64, error)

	// Account returns the row for userID or ErrAccountNotFound.
	Account(ctx context.Context, userID string) (Account, error)
}

// HistoryStore is implemented by stores that can keep the chat log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry HistoryEntry) error
}
