// Package postgres provides a PostgreSQL-backed Store for tokenmeter.
//
// Balances live in a single table updated with single-statement increments,
// so the chat service and the webhook listener can run on separate hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nm2tech/tokenmeter"
)

// Store is a PostgreSQL-backed Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var (
	_ tokenmeter.Store        = (*Store)(nil)
	_ tokenmeter.HistoryStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default none).
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock sets the time source for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool: pool,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tokensTable() string    { return s.tablePrefix + "user_tokens" }
func (s *Store) historyTable() string   { return s.tablePrefix + "chat_history" }
func (s *Store) processedTable() string { return s.tablePrefix + "processed_credits" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			tokens_left BIGINT NOT NULL,
			last_reset TEXT NOT NULL,
			is_paid BOOLEAN NOT NULL DEFAULT false
		);
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL
		);
	`, s.tokensTable(), s.historyTable(), s.processedTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: ensure schema: %w", err)
	}
	return nil
}

// Ensure inserts the account with allotment tokens if absent.
func (s *Store) Ensure(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) error {
	_, err := s.pool.Exec(ctx, s.ensureSQL(), userID, allotment, today.String())
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: ensure: %w", err)
	}
	return nil
}

// ResetIfStale overwrites the balance when last_reset is not today.
func (s *Store) ResetIfStale(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) error {
	_, err := s.pool.Exec(ctx, s.resetSQL(), allotment, today.String(), userID)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: reset: %w", err)
	}
	return nil
}

// Balance returns tokens_left, or 0 for an unknown user.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT tokens_left FROM %s WHERE user_id = $1`, s.tokensTable()),
		userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tokenmeter/postgres: balance: %w", err)
	}
	return balance, nil
}

// Deduct subtracts amount without a floor.
func (s *Store) Deduct(ctx context.Context, userID string, amount int64) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tokens_left = tokens_left - $1 WHERE user_id = $2`, s.tokensTable()),
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: deduct: %w", err)
	}
	return nil
}

// Credit adds amount and sets is_paid, creating the row when absent.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, today tokenmeter.Day) error {
	_, err := s.pool.Exec(ctx, s.creditSQL(), userID, amount, today.String())
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: credit: %w", err)
	}
	return nil
}

// Refresh ensures, resets and reads the account in one transaction.
func (s *Store) Refresh(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) (tokenmeter.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, s.ensureSQL(), userID, allotment, today.String()); err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/postgres: refresh ensure: %w", err)
	}
	if _, err := tx.Exec(ctx, s.resetSQL(), allotment, today.String(), userID); err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/postgres: refresh reset: %w", err)
	}
	acct, err := s.scanAccount(tx.QueryRow(ctx, s.selectSQL(), userID))
	if err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/postgres: refresh read: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/postgres: commit: %w", err)
	}
	return acct, nil
}

// TrySpend subtracts cost only when tokens_left covers it.
func (s *Store) TrySpend(ctx context.Context, userID string, cost int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tokens_left = tokens_left - $1 WHERE user_id = $2 AND tokens_left >= $1`,
			s.tokensTable()),
		cost, userID,
	)
	if err != nil {
		return false, fmt.Errorf("tokenmeter/postgres: try spend: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Refund adds back amount taken by TrySpend.
func (s *Store) Refund(ctx context.Context, userID string, amount int64) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tokens_left = tokens_left + $1 WHERE user_id = $2`, s.tokensTable()),
		amount, userID,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: refund: %w", err)
	}
	return nil
}

// CreditOnce records key and credits amount in one transaction.
func (s *Store) CreditOnce(ctx context.Context, key, userID string, amount int64, today tokenmeter.Day) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("tokenmeter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted bool
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, user_id, amount, processed_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING RETURNING true`, s.processedTable()),
		key, userID, amount, s.now().UTC(),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tokenmeter/postgres: ledger insert: %w", err)
	}

	if _, err := tx.Exec(ctx, s.creditSQL(), userID, amount, today.String()); err != nil {
		return false, fmt.Errorf("tokenmeter/postgres: credit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tokenmeter/postgres: commit: %w", err)
	}
	return true, nil
}

// PruneProcessed removes ledger keys recorded before the cutoff.
func (s *Store) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE processed_at < $1`, s.processedTable()),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("tokenmeter/postgres: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Account returns the stored row or ErrAccountNotFound.
func (s *Store) Account(ctx context.Context, userID string) (tokenmeter.Account, error) {
	acct, err := s.scanAccount(s.pool.QueryRow(ctx, s.selectSQL(), userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tokenmeter.Account{}, tokenmeter.ErrAccountNotFound
	}
	if err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/postgres: account: %w", err)
	}
	return acct, nil
}

// AppendHistory inserts one chat log row.
func (s *Store) AppendHistory(ctx context.Context, entry tokenmeter.HistoryEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, role, message, timestamp) VALUES ($1, $2, $3, $4)`, s.historyTable()),
		entry.UserID, entry.Role, entry.Message, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: append history: %w", err)
	}
	return nil
}

func (s *Store) ensureSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (user_id, tokens_left, last_reset, is_paid)
		VALUES ($1, $2, $3, false) ON CONFLICT (user_id) DO NOTHING`, s.tokensTable())
}

func (s *Store) resetSQL() string {
	return fmt.Sprintf(`UPDATE %s SET tokens_left = $1, last_reset = $2
		WHERE user_id = $3 AND last_reset <> $2`, s.tokensTable())
}

func (s *Store) creditSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (user_id, tokens_left, last_reset, is_paid)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (user_id) DO UPDATE SET tokens_left = %s.tokens_left + EXCLUDED.tokens_left, is_paid = true`,
		s.tokensTable(), s.tokensTable())
}

func (s *Store) selectSQL() string {
	return fmt.Sprintf(`SELECT user_id, tokens_left, last_reset, is_paid FROM %s WHERE user_id = $1`,
		s.tokensTable())
}

func (s *Store) scanAccount(row pgx.Row) (tokenmeter.Account, error) {
	var acct tokenmeter.Account
	var day string
	if err := row.Scan(&acct.UserID, &acct.TokensLeft, &day, &acct.IsPaid); err != nil {
		return tokenmeter.Account{}, err
	}
	acct.LastReset = tokenmeter.Day(day)
	return acct, nil
}
