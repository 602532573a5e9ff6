package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brasa/corebank/ledger"
)

// =============================================================================
// HEALTH
// =============================================================================

// RedisPinger implements Pinger against the shared client.
type RedisPinger struct {
	rdb *redis.Client
}

func NewRedisPinger(rdb *redis.Client) *RedisPinger {
	return &RedisPinger{rdb: rdb}
}

func (p *RedisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// RedisIdempotency implements ledger.IdempotencyCache. Seen is a pure
// EXISTS probe; Mark records the key with SET NX after the caller
// commits. Rejected attempts therefore never occupy their key.
type RedisIdempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIdempotency(rdb *redis.Client, ttl time.Duration) *RedisIdempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotency{rdb: rdb, ttl: ttl}
}

func idemKey(namespace, key string) string {
	return "idem:" + namespace + ":" + key
}

// Seen reports whether the marker exists. Read-only.
func (c *RedisIdempotency) Seen(ctx context.Context, namespace, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, idemKey(namespace, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records the marker for the TTL. Idempotent under NX.
func (c *RedisIdempotency) Mark(ctx context.Context, namespace, key string) error {
	return c.rdb.SetNX(ctx, idemKey(namespace, key), "1", c.ttl).Err()
}

// =============================================================================
// BALANCES
// =============================================================================

// RedisBalances implements ledger.BalanceCache. Balances are stored as
// 2-decimal strings; a parse failure counts as a miss.
type RedisBalances struct {
	rdb *redis.Client
}

func NewRedisBalances(rdb *redis.Client) *RedisBalances {
	return &RedisBalances{rdb: rdb}
}

func balanceKey(accountID int64) string {
	return "balance:" + strconv.FormatInt(accountID, 10)
}

func (c *RedisBalances) Get(ctx context.Context, accountID int64) (ledger.Money, bool, error) {
	raw, err := c.rdb.Get(ctx, balanceKey(accountID)).Result()
	if err == redis.Nil {
		return ledger.Money{}, false, nil
	}
	if err != nil {
		return ledger.Money{}, false, err
	}
	m, err := ledger.MoneyFromString(raw)
	if err != nil {
		return ledger.Money{}, false, nil
	}
	return m, true, nil
}

func (c *RedisBalances) Set(ctx context.Context, accountID int64, balance ledger.Money, ttl time.Duration) error {
	return c.rdb.Set(ctx, balanceKey(accountID), balance.String(), ttl).Err()
}

func (c *RedisBalances) Invalidate(ctx context.Context, accountID int64) error {
	return c.rdb.Del(ctx, balanceKey(accountID)).Err()
}

// =============================================================================
// DAY TOTALS
// =============================================================================

// RedisDayTotals implements ledger.DayTotalCache. Totals accumulate in
// minor units with INCRBY so concurrent adds never lose updates.
type RedisDayTotals struct {
	rdb *redis.Client
}

func NewRedisDayTotals(rdb *redis.Client) *RedisDayTotals {
	return &RedisDayTotals{rdb: rdb}
}

func (c *RedisDayTotals) Add(ctx context.Context, key string, amount ledger.Money, ttl time.Duration) (ledger.Money, error) {
	total, err := c.rdb.IncrBy(ctx, key, amount.ToMinorUnits()).Result()
	if err != nil {
		return ledger.Money{}, err
	}
	// Expiry set on every add; refreshing a rolling total is fine.
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return ledger.Money{}, err
	}
	return ledger.MoneyFromMinorUnits(total), nil
}

// =============================================================================
// RATE LIMITING - sliding window over a ZSET
// =============================================================================

// RedisRateLimiter keeps one ZSET per key: member timestamps scored by
// unix nanos, trimmed to the window on every attempt.
type RedisRateLimiter struct {
	rdb    *redis.Client
	scope  string
	limit  int64
	window time.Duration
}

func NewRedisRateLimiter(rdb *redis.Client, scope string, limit int64, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, scope: scope, limit: limit, window: window}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	zkey := fmt.Sprintf("rl:%s:%s", l.scope, key)
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixNano(), 10)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", cutoff)
	pipe.ZAdd(ctx, zkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	count := pipe.ZCard(ctx, zkey)
	pipe.Expire(ctx, zkey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return count.Val() <= l.limit, nil
}

// =============================================================================
// REVOCATION LIST
// =============================================================================

// RedisRevocations marks revoked jtis for the remaining token lifetime.
type RedisRevocations struct {
	rdb *redis.Client
}

func NewRedisRevocations(rdb *redis.Client) *RedisRevocations {
	return &RedisRevocations{rdb: rdb}
}

func (r *RedisRevocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil // already expired, nothing to revoke
	}
	return r.rdb.Set(ctx, "bl:jti:"+jti, "1", ttl).Err()
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.rdb.Exists(ctx, "bl:jti:"+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
