package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisLedger is a Redis-backed Ledger. All state transitions run inside Lua
// scripts so limit checks, counter resets and increments stay atomic across
// gateway instances sharing one Redis.
type RedisLedger struct {
	client    goredis.Cmdable
	keyPrefix string

	now func() time.Time
}

var _ Ledger = (*RedisLedger)(nil)

// RedisOption configures RedisLedger.
type RedisOption func(*RedisLedger)

// WithKeyPrefix sets the Redis key prefix (default "aigateway:ledger:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLedger) { l.keyPrefix = prefix }
}

// NewRedisLedger creates a Redis-backed Ledger. The client must be a
// connected *goredis.Client or *goredis.ClusterClient.
func NewRedisLedger(client goredis.Cmdable, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		client:    client,
		keyPrefix: "aigateway:ledger:",
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) accountKey(accountID uint64) string {
	return l.keyPrefix + strconv.FormatUint(accountID, 10)
}

func (l *RedisLedger) idemKey(key string) string {
	return l.keyPrefix + "idem:" + key
}

// snapshotScript reads the state without writing anything; a stale hash is
// reported as the fresh period until the next reserve rolls it.
// KEYS[1] = account hash key
// ARGV[1] = current period start (unix seconds)
//
// Returns {count, period_start}.
var snapshotScript = goredis.NewScript(`
local account_key = KEYS[1]
local period_now = tonumber(ARGV[1])

local ps = redis.call("HGET", account_key, "period_start")
if not ps or tonumber(ps) < period_now then
    return {0, period_now}
end

local count = redis.call("HGET", account_key, "count")
if not count then
    count = 0
end
return {tonumber(count), tonumber(ps)}
`)

// reserveScript rolls the period forward if needed, then charges only when
// the result stays within the limit, honoring an optional idempotency key.
// A denied charge releases the idempotency key it claimed.
// KEYS[1] = account hash key
// KEYS[2] = idempotency key
// ARGV[1] = current period start (unix seconds)
// ARGV[2] = amount
// ARGV[3] = limit (negative = unlimited)
// ARGV[4] = has_idem ("1" or "0")
// ARGV[5] = idempotency key TTL (seconds)
//
// Returns {status, count, period_start}; status 1 = charged, 0 = duplicate
// key (nothing charged), -1 = limit exceeded.
var reserveScript = goredis.NewScript(`
local account_key = KEYS[1]
local idem_key = KEYS[2]
local period_now = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local has_idem = ARGV[4]
local ttl = tonumber(ARGV[5])

local charged = 1
if has_idem == "1" then
    local set = redis.call("SET", idem_key, "1", "NX", "EX", ttl)
    if not set then
        amount = 0
        charged = 0
    end
end

local ps = redis.call("HGET", account_key, "period_start")
if not ps or tonumber(ps) < period_now then
    redis.call("HSET", account_key, "count", 0, "period_start", period_now)
    ps = period_now
end

local count = tonumber(redis.call("HGET", account_key, "count") or "0")
if charged == 1 and limit >= 0 and count + amount > limit then
    if has_idem == "1" then
        redis.call("DEL", idem_key)
    end
    return {-1, count, tonumber(ps)}
end

count = redis.call("HINCRBY", account_key, "count", amount)
return {charged, count, tonumber(ps)}
`)

// rollbackScript refunds a charge and frees its idempotency key. The counter
// is only decremented while the period the charge landed in is still current.
// KEYS[1] = account hash key
// KEYS[2] = idempotency key
// ARGV[1] = amount
// ARGV[2] = has_idem ("1" or "0")
// ARGV[3] = period start of the reservation (unix seconds)
var rollbackScript = goredis.NewScript(`
local account_key = KEYS[1]
local idem_key = KEYS[2]

if ARGV[2] == "1" then
    redis.call("DEL", idem_key)
end

local ps = redis.call("HGET", account_key, "period_start")
if not ps or tonumber(ps) ~= tonumber(ARGV[3]) then
    return 1
end

local count = redis.call("HINCRBY", account_key, "count", -tonumber(ARGV[1]))
if count < 0 then
    redis.call("HSET", account_key, "count", 0)
end
return 1
`)

// Snapshot returns the current-period usage for an account. Reading never
// creates or mutates the hash.
func (l *RedisLedger) Snapshot(ctx context.Context, accountID uint64) (Snapshot, error) {
	if l == nil || l.client == nil {
		return Snapshot{}, errors.New("ledger: nil redis client")
	}
	periodNow := PeriodStart(l.now()).Unix()
	reply, err := snapshotScript.Run(ctx, l.client, []string{l.accountKey(accountID)}, periodNow).Slice()
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: redis snapshot: %w", err)
	}
	return parseLedgerReply(accountID, reply)
}

// Reserve atomically checks the charge against limit and applies it.
func (l *RedisLedger) Reserve(ctx context.Context, accountID uint64, amount, limit int64, idempotencyKey string) (Reservation, error) {
	if l == nil || l.client == nil {
		return Reservation{}, errors.New("ledger: nil redis client")
	}
	if amount <= 0 {
		amount = 1
	}
	hasIdem, idemK := l.idemArgs(idempotencyKey)
	periodNow := PeriodStart(l.now()).Unix()

	reply, err := reserveScript.Run(ctx, l.client,
		[]string{l.accountKey(accountID), idemK},
		periodNow, amount, limit, hasIdem, int64(dedupeWindow/time.Second),
	).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: redis reserve: %w", err)
	}
	if len(reply) != 3 {
		return Reservation{}, fmt.Errorf("ledger: unexpected redis reply length %d", len(reply))
	}
	status, okStatus := reply[0].(int64)
	if !okStatus {
		return Reservation{}, errors.New("ledger: unexpected redis reply types")
	}
	snap, errParse := parseLedgerReply(accountID, reply[1:])
	if errParse != nil {
		return Reservation{}, errParse
	}

	res := Reservation{AccountID: accountID, IdempotencyKey: idempotencyKey, Snapshot: snap}
	switch status {
	case 1:
		res.Amount = amount
		return res, nil
	case 0:
		// Duplicate idempotency key: the earlier charge stands.
		return res, nil
	case -1:
		return res, ErrLimitExceeded
	default:
		return Reservation{}, fmt.Errorf("ledger: unexpected reserve status %d", status)
	}
}

// Rollback refunds a reservation whose request was never served.
func (l *RedisLedger) Rollback(ctx context.Context, res Reservation) error {
	if l == nil || l.client == nil {
		return errors.New("ledger: nil redis client")
	}
	if res.Amount <= 0 {
		return nil
	}
	hasIdem, idemK := l.idemArgs(res.IdempotencyKey)
	_, err := rollbackScript.Run(ctx, l.client,
		[]string{l.accountKey(res.AccountID), idemK},
		res.Amount, hasIdem, res.Snapshot.PeriodStart.Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("ledger: redis rollback: %w", err)
	}
	return nil
}

// idemArgs maps an optional idempotency key onto the script arguments. Redis
// requires every KEYS slot to be filled, so absent keys get a throwaway slot.
func (l *RedisLedger) idemArgs(idempotencyKey string) (hasIdem, idemK string) {
	if idempotencyKey == "" {
		return "0", l.idemKey("_noop")
	}
	return "1", l.idemKey(idempotencyKey)
}

// parseLedgerReply decodes a {count, period_start} script reply.
func parseLedgerReply(accountID uint64, reply []any) (Snapshot, error) {
	if len(reply) != 2 {
		return Snapshot{}, fmt.Errorf("ledger: unexpected redis reply length %d", len(reply))
	}
	count, okCount := reply[0].(int64)
	periodStart, okPeriod := reply[1].(int64)
	if !okCount || !okPeriod {
		return Snapshot{}, errors.New("ledger: unexpected redis reply types")
	}
	return Snapshot{
		AccountID:    accountID,
		RequestCount: count,
		PeriodStart:  time.Unix(periodStart, 0).UTC(),
	}, nil
}
