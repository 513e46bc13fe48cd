// Package sqlite provides the default file-backed Store for tokenmeter.
//
// The database runs in WAL mode with a busy timeout so the chat service and
// the webhook listener can share one file. Every operation acquires its own
// connection and releases it on return; write transactions begin IMMEDIATE.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nm2tech/tokenmeter"
)

const dsnParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

const schema = `
CREATE TABLE IF NOT EXISTS user_tokens (
	user_id TEXT PRIMARY KEY,
	tokens_left INTEGER NOT NULL,
	last_reset TEXT NOT NULL,
	is_paid INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS chat_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	message TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_history_user ON chat_history(user_id);
CREATE TABLE IF NOT EXISTS processed_credits (
	key TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	processed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_credits_at ON processed_credits(processed_at);
`

const creditSQL = `INSERT INTO user_tokens (user_id, tokens_left, last_reset, is_paid)
	VALUES (?, ?, ?, 1)
	ON CONFLICT(user_id) DO UPDATE SET tokens_left = tokens_left + excluded.tokens_left, is_paid = 1`

// Store is a SQLite-backed Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ tokenmeter.Store        = (*Store)(nil)
	_ tokenmeter.HistoryStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database file at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tokenmeter/sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", path, dsnParams))
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: open: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.withConn(ctx, "ensure schema", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, schema)
		return err
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ensure inserts the account with allotment tokens if absent.
func (s *Store) Ensure(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) error {
	return s.withConn(ctx, "ensure", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_tokens (user_id, tokens_left, last_reset, is_paid) VALUES (?, ?, ?, 0)`,
			userID, allotment, today.String(),
		)
		return err
	})
}

// ResetIfStale overwrites the balance when last_reset is not today.
func (s *Store) ResetIfStale(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) error {
	return s.withConn(ctx, "reset", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE user_tokens SET tokens_left = ?, last_reset = ? WHERE user_id = ? AND last_reset <> ?`,
			allotment, today.String(), userID, today.String(),
		)
		return err
	})
}

// Balance returns tokens_left, or 0 for an unknown user.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.withConn(ctx, "balance", func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx,
			`SELECT tokens_left FROM user_tokens WHERE user_id = ?`, userID,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			balance = 0
			return nil
		}
		return err
	})
	return balance, err
}

// Deduct subtracts amount without a floor.
func (s *Store) Deduct(ctx context.Context, userID string, amount int64) error {
	return s.withConn(ctx, "deduct", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE user_tokens SET tokens_left = tokens_left - ? WHERE user_id = ?`,
			amount, userID,
		)
		return err
	})
}

// Credit adds amount and sets is_paid, creating the row when absent.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, today tokenmeter.Day) error {
	return s.withConn(ctx, "credit", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, creditSQL, userID, amount, today.String())
		return err
	})
}

// Refresh ensures, resets and reads the account in one transaction.
func (s *Store) Refresh(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) (tokenmeter.Account, error) {
	var acct tokenmeter.Account
	err := s.withTx(ctx, "refresh", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_tokens (user_id, tokens_left, last_reset, is_paid) VALUES (?, ?, ?, 0)`,
			userID, allotment, today.String(),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_tokens SET tokens_left = ?, last_reset = ? WHERE user_id = ? AND last_reset <> ?`,
			allotment, today.String(), userID, today.String(),
		); err != nil {
			return err
		}
		var err error
		acct, err = scanAccount(tx.QueryRowContext(ctx,
			`SELECT user_id, tokens_left, last_reset, is_paid FROM user_tokens WHERE user_id = ?`, userID,
		))
		return err
	})
	return acct, err
}

// TrySpend subtracts cost only when tokens_left covers it.
func (s *Store) TrySpend(ctx context.Context, userID string, cost int64) (bool, error) {
	var spent bool
	err := s.withConn(ctx, "try spend", func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE user_tokens SET tokens_left = tokens_left - ? WHERE user_id = ? AND tokens_left >= ?`,
			cost, userID, cost,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		spent = n == 1
		return nil
	})
	return spent, err
}

// Refund adds back amount taken by TrySpend.
func (s *Store) Refund(ctx context.Context, userID string, amount int64) error {
	return s.withConn(ctx, "refund", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE user_tokens SET tokens_left = tokens_left + ? WHERE user_id = ?`,
			amount, userID,
		)
		return err
	})
}

// CreditOnce records key and credits amount in one transaction.
// A key that is already in the ledger leaves the balance untouched.
func (s *Store) CreditOnce(ctx context.Context, key, userID string, amount int64, today tokenmeter.Day) (bool, error) {
	var applied bool
	err := s.withTx(ctx, "credit once", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO processed_credits (key, user_id, amount, processed_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(key) DO NOTHING`,
			key, userID, amount, s.now().UnixNano(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, creditSQL, userID, amount, today.String()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// PruneProcessed deletes ledger keys recorded before the cutoff.
func (s *Store) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.withConn(ctx, "prune", func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`DELETE FROM processed_credits WHERE processed_at < ?`, before.UnixNano(),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Account returns the stored row or ErrAccountNotFound.
func (s *Store) Account(ctx context.Context, userID string) (tokenmeter.Account, error) {
	var acct tokenmeter.Account
	err := s.withConn(ctx, "account", func(conn *sql.Conn) error {
		var err error
		acct, err = scanAccount(conn.QueryRowContext(ctx,
			`SELECT user_id, tokens_left, last_reset, is_paid FROM user_tokens WHERE user_id = ?`, userID,
		))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return tokenmeter.Account{}, tokenmeter.ErrAccountNotFound
	}
	return acct, err
}

// AppendHistory inserts one chat log row.
func (s *Store) AppendHistory(ctx context.Context, entry tokenmeter.HistoryEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return s.withConn(ctx, "append history", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO chat_history (user_id, role, message, timestamp) VALUES (?, ?, ?, ?)`,
			entry.UserID, entry.Role, entry.Message, ts.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// History returns the log entries of userID, oldest first.
func (s *Store) History(ctx context.Context, userID string) ([]tokenmeter.HistoryEntry, error) {
	var out []tokenmeter.HistoryEntry
	err := s.withConn(ctx, "history", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT user_id, role, message, timestamp FROM chat_history WHERE user_id = ? ORDER BY id`, userID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e tokenmeter.HistoryEntry
			var ts string
			if err := rows.Scan(&e.UserID, &e.Role, &e.Message, &ts); err != nil {
				return err
			}
			if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// withConn runs fn on a connection that is released on every exit path.
func (s *Store) withConn(ctx context.Context, op string, fn func(*sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("tokenmeter/sqlite: %s: acquire: %w", op, err)
	}
	defer conn.Close()

	if err := fn(conn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("tokenmeter/sqlite: %s: %w", op, err)
	}
	return nil
}

// withTx runs fn inside an IMMEDIATE transaction on a scoped connection.
func (s *Store) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	return s.withConn(ctx, op, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanAccount(row *sql.Row) (tokenmeter.Account, error) {
	var acct tokenmeter.Account
	var day string
	var paid int64
	if err := row.Scan(&acct.UserID, &acct.TokensLeft, &day, &paid); err != nil {
		return tokenmeter.Account{}, err
	}
	acct.LastReset = tokenmeter.Day(day)
	acct.IsPaid = paid != 0
	return acct, nil
}
