package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nm2tech/tokenmeter"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*tokenmeter.Account
	processed map[string]processedCredit
	history   []historyRow
	now       func() time.Time
}

type processedCredit struct {
	UserID      string
	Amount      int64
	ProcessedAt time.Time
}

type historyRow struct {
	ID string
	tokenmeter.HistoryEntry
}

var (
	_ tokenmeter.Store        = (*MemoryStore)(nil)
	_ tokenmeter.HistoryStore = (*MemoryStore)(nil)
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source for ledger timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		accounts:  make(map[string]*tokenmeter.Account),
		processed: make(map[string]processedCredit),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure inserts the account with allotment tokens if absent.
func (s *MemoryStore) Ensure(_ context.Context, userID string, allotment int64, today tokenmeter.Day) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(userID, allotment, today)
	return nil
}

// ResetIfStale overwrites the balance when the account was last reset before today.
func (s *MemoryStore) ResetIfStale(_ context.Context, userID string, allotment int64, today tokenmeter.Day) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfStale(userID, allotment, today)
	return nil
}

// Balance returns tokens left, or 0 for an unknown user.
func (s *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return 0, nil
	}
	return a.TokensLeft, nil
}

// Deduct subtracts amount without a floor.
func (s *MemoryStore) Deduct(_ context.Context, userID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[userID]; ok {
		a.TokensLeft -= amount
	}
	return nil
}

// Credit adds amount and marks the account paid.
func (s *MemoryStore) Credit(_ context.Context, userID string, amount int64, today tokenmeter.Day) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(userID, amount, today)
	return nil
}

// Refresh ensures, resets and reads the account under one lock.
func (s *MemoryStore) Refresh(_ context.Context, userID string, allotment int64, today tokenmeter.Day) (tokenmeter.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensure(userID, allotment, today)
	s.resetIfStale(userID, allotment, today)
	return *s.accounts[userID], nil
}

// TrySpend subtracts cost only when the balance covers it.
func (s *MemoryStore) TrySpend(_ context.Context, userID string, cost int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok || a.TokensLeft < cost {
		return false, nil
	}
	a.TokensLeft -= cost
	return true, nil
}

// Refund adds back amount taken by TrySpend.
func (s *MemoryStore) Refund(_ context.Context, userID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[userID]; ok {
		a.TokensLeft += amount
	}
	return nil
}

// CreditOnce credits amount unless key was already processed.
func (s *MemoryStore) CreditOnce(_ context.Context, key, userID string, amount int64, today tokenmeter.Day) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.processed[key]; seen {
		return false, nil
	}
	s.processed[key] = processedCredit{UserID: userID, Amount: amount, ProcessedAt: s.now()}
	s.credit(userID, amount, today)
	return true, nil
}

// PruneProcessed forgets keys processed before the cutoff.
func (s *MemoryStore) PruneProcessed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, p := range s.processed {
		if p.ProcessedAt.Before(before) {
			delete(s.processed, key)
			n++
		}
	}
	return n, nil
}

// Account returns a copy of the stored row.
func (s *MemoryStore) Account(_ context.Context, userID string) (tokenmeter.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return tokenmeter.Account{}, tokenmeter.ErrAccountNotFound
	}
	return *a, nil
}

// AppendHistory records one chat log entry.
func (s *MemoryStore) AppendHistory(_ context.Context, entry tokenmeter.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, historyRow{ID: uuid.NewString(), HistoryEntry: entry})
	return nil
}

// History returns the log entries of userID, oldest first.
func (s *MemoryStore) History(userID string) []tokenmeter.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []tokenmeter.HistoryEntry
	for _, row := range s.history {
		if row.UserID == userID {
			out = append(out, row.HistoryEntry)
		}
	}
	return out
}

func (s *MemoryStore) ensure(userID string, allotment int64, today tokenmeter.Day) {
	if _, ok := s.accounts[userID]; ok {
		return
	}
	s.accounts[userID] = &tokenmeter.Account{
		UserID:     userID,
		TokensLeft: allotment,
		LastReset:  today,
	}
}

func (s *MemoryStore) resetIfStale(userID string, allotment int64, today tokenmeter.Day) {
	a, ok := s.accounts[userID]
	if !ok || a.LastReset == today {
		return
	}
	a.TokensLeft = allotment
	a.LastReset = today
}

func (s *MemoryStore) credit(userID string, amount int64, today tokenmeter.Day) {
	a, ok := s.accounts[userID]
	if !ok {
		s.accounts[userID] = &tokenmeter.Account{
			UserID:     userID,
			TokensLeft: amount,
			LastReset:  today,
			IsPaid:     true,
		}
		return
	}
	a.TokensLeft += amount
	a.IsPaid = true
}
