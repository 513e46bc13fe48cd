// Package redis provides a Redis-backed Store for tokenmeter.
//
// Each account is a Redis hash mutated by Lua scripts, so every check and
// update is atomic on the server. The processed-credit ledger is a set of
// marker keys indexed by a sorted set scored with the processing time.
// Chat history is not kept.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nm2tech/tokenmeter"
)

// Store is a Redis-backed Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var _ tokenmeter.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tokenmeter:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithClock sets the time source for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Redis-backed Store.
// The client must be a connected single-node *goredis.Client. Credits touch the
// account, ledger marker and ledger index keys in one script, which Redis
// Cluster rejects as cross-slot.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "tokenmeter:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(userID string) string { return s.keyPrefix + "acct:" + userID }
func (s *Store) ledgerPrefix() string            { return s.keyPrefix + "processed:" }
func (s *Store) ledgerIndex() string             { return s.keyPrefix + "processed_index" }

// refreshScript creates and/or resets an account and returns its fields.
// KEYS[1] = account hash key
// ARGV[1] = allotment
// ARGV[2] = today
// ARGV[3] = create when absent ("1" or "0")
// ARGV[4] = reset when stale ("1" or "0")
var refreshScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    if ARGV[3] == "1" then
        redis.call("HSET", key, "tokens_left", ARGV[1], "last_reset", ARGV[2], "is_paid", "0")
    end
elseif ARGV[4] == "1" and redis.call("HGET", key, "last_reset") ~= ARGV[2] then
    redis.call("HSET", key, "tokens_left", ARGV[1], "last_reset", ARGV[2])
end
return redis.call("HMGET", key, "tokens_left", "last_reset", "is_paid")
`)

// adjustScript adds ARGV[1] (may be negative) to an existing account.
// ARGV[2] = floor check ("1" refuses when tokens_left < -ARGV[1])
//
// Returns:
//
//	1  = adjusted
//	0  = refused by the floor check
//	-1 = account not found
var adjustScript = goredis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])
local balance = redis.call("HGET", key, "tokens_left")
if not balance then
    return -1
end
if ARGV[2] == "1" and tonumber(balance) + delta < 0 then
    return 0
end
redis.call("HINCRBY", key, "tokens_left", delta)
return 1
`)

// creditScript adds amount and marks the account paid, creating it when absent.
// KEYS[1] = account hash key
// KEYS[2] = ledger marker key ("" skips the ledger)
// KEYS[3] = ledger index
// ARGV[1] = amount
// ARGV[2] = today
// ARGV[3] = processed_at (unix millis)
// ARGV[4] = ledger member
// ARGV[5] = user id
//
// Returns 1 when credited, 0 when the ledger key was already present.
var creditScript = goredis.NewScript(`
local key = KEYS[1]
if ARGV[4] ~= "" then
    if not redis.call("SET", KEYS[2], ARGV[5] .. ":" .. ARGV[1], "NX") then
        return 0
    end
    redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])
end
if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "tokens_left", ARGV[1], "last_reset", ARGV[2], "is_paid", "1")
else
    redis.call("HINCRBY", key, "tokens_left", tonumber(ARGV[1]))
    redis.call("HSET", key, "is_paid", "1")
end
return 1
`)

// pruneScript deletes ledger markers scored below the cutoff.
// KEYS[1] = ledger index
// ARGV[1] = cutoff (unix millis, exclusive)
// ARGV[2] = ledger marker key prefix
var pruneScript = goredis.NewScript(`
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
for _, m in ipairs(members) do
    redis.call("DEL", ARGV[2] .. m)
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
return #members
`)

// Ensure inserts the account with allotment tokens if absent.
func (s *Store) Ensure(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) error {
	if _, err := s.refresh(ctx, userID, allotment, today, true, false); err != nil {
		return fmt.Errorf("tokenmeter/redis: ensure: %w", err)
	}
	return nil
}

// ResetIfStale overwrites the balance when last_reset is not today.
func (s *Store) ResetIfStale(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) error {
	if _, err := s.refresh(ctx, userID, allotment, today, false, true); err != nil {
		return fmt.Errorf("tokenmeter/redis: reset: %w", err)
	}
	return nil
}

// Refresh ensures, resets and reads the account in one script call.
func (s *Store) Refresh(ctx context.Context, userID string, allotment int64, today tokenmeter.Day) (tokenmeter.Account, error) {
	acct, err := s.refresh(ctx, userID, allotment, today, true, true)
	if err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/redis: refresh: %w", err)
	}
	return acct, nil
}

// Balance returns tokens_left, or 0 for an unknown user.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := s.client.HGet(ctx, s.accountKey(userID), "tokens_left").Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tokenmeter/redis: balance: %w", err)
	}
	return balance, nil
}

// Deduct subtracts amount without a floor.
func (s *Store) Deduct(ctx context.Context, userID string, amount int64) error {
	if _, err := s.adjust(ctx, userID, -amount, false); err != nil {
		return fmt.Errorf("tokenmeter/redis: deduct: %w", err)
	}
	return nil
}

// Credit adds amount and sets is_paid, creating the account when absent.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, today tokenmeter.Day) error {
	_, err := creditScript.Run(ctx, s.client,
		[]string{s.accountKey(userID), s.ledgerPrefix(), s.ledgerIndex()},
		amount, today.String(), 0, "", userID,
	).Int64()
	if err != nil {
		return fmt.Errorf("tokenmeter/redis: credit: %w", err)
	}
	return nil
}

// TrySpend subtracts cost only when tokens_left covers it.
func (s *Store) TrySpend(ctx context.Context, userID string, cost int64) (bool, error) {
	result, err := s.adjust(ctx, userID, -cost, true)
	if err != nil {
		return false, fmt.Errorf("tokenmeter/redis: try spend: %w", err)
	}
	return result == 1, nil
}

// Refund adds back amount taken by TrySpend.
func (s *Store) Refund(ctx context.Context, userID string, amount int64) error {
	if _, err := s.adjust(ctx, userID, amount, false); err != nil {
		return fmt.Errorf("tokenmeter/redis: refund: %w", err)
	}
	return nil
}

// CreditOnce records key in the ledger and credits amount atomically.
func (s *Store) CreditOnce(ctx context.Context, key, userID string, amount int64, today tokenmeter.Day) (bool, error) {
	result, err := creditScript.Run(ctx, s.client,
		[]string{s.accountKey(userID), s.ledgerPrefix() + key, s.ledgerIndex()},
		amount, today.String(), s.now().UnixMilli(), key, userID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("tokenmeter/redis: credit once: %w", err)
	}
	return result == 1, nil
}

// PruneProcessed removes ledger keys recorded before the cutoff.
func (s *Store) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	n, err := pruneScript.Run(ctx, s.client,
		[]string{s.ledgerIndex()},
		before.UnixMilli(), s.ledgerPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("tokenmeter/redis: prune: %w", err)
	}
	return n, nil
}

// Account returns the stored account or ErrAccountNotFound.
func (s *Store) Account(ctx context.Context, userID string) (tokenmeter.Account, error) {
	vals, err := s.client.HMGet(ctx, s.accountKey(userID), "tokens_left", "last_reset", "is_paid").Result()
	if err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/redis: account: %w", err)
	}
	if vals[0] == nil {
		return tokenmeter.Account{}, tokenmeter.ErrAccountNotFound
	}
	acct, err := parseAccount(userID, vals)
	if err != nil {
		return tokenmeter.Account{}, fmt.Errorf("tokenmeter/redis: account: %w", err)
	}
	return acct, nil
}

func (s *Store) refresh(ctx context.Context, userID string, allotment int64, today tokenmeter.Day, create, reset bool) (tokenmeter.Account, error) {
	vals, err := refreshScript.Run(ctx, s.client,
		[]string{s.accountKey(userID)},
		allotment, today.String(), flag(create), flag(reset),
	).Slice()
	if err != nil {
		return tokenmeter.Account{}, err
	}
	if len(vals) == 0 || vals[0] == nil {
		return tokenmeter.Account{UserID: userID}, nil
	}
	return parseAccount(userID, vals)
}

func (s *Store) adjust(ctx context.Context, userID string, delta int64, floor bool) (int64, error) {
	return adjustScript.Run(ctx, s.client,
		[]string{s.accountKey(userID)},
		delta, flag(floor),
	).Int64()
}

func parseAccount(userID string, vals []interface{}) (tokenmeter.Account, error) {
	if len(vals) != 3 {
		return tokenmeter.Account{}, fmt.Errorf("unexpected field count %d", len(vals))
	}
	balance, err := strconv.ParseInt(asString(vals[0]), 10, 64)
	if err != nil {
		return tokenmeter.Account{}, fmt.Errorf("parse tokens_left: %w", err)
	}
	return tokenmeter.Account{
		UserID:     userID,
		TokensLeft: balance,
		LastReset:  tokenmeter.Day(asString(vals[1])),
		IsPaid:     asString(vals[2]) == "1",
	}, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
