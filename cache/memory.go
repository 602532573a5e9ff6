package cache

import (
	"context"
	"sync"
	"time"

	"github.com/brasa/corebank/ledger"
)

// In-memory counterparts of the Redis implementations, for tests and
// single-process development. Expiry is checked lazily on access.

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type MemoryIdempotency struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotency{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryIdempotency) Seen(_ context.Context, namespace, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := namespace + ":" + key
	if exp, ok := c.seen[k]; ok {
		if c.now().Before(exp) {
			return true, nil
		}
		delete(c.seen, k)
	}
	return false, nil
}

func (c *MemoryIdempotency) Mark(_ context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[namespace+":"+key] = c.now().Add(c.ttl)
	return nil
}

// =============================================================================
// BALANCES
// =============================================================================

type balanceEntry struct {
	value   ledger.Money
	expires time.Time
}

type MemoryBalances struct {
	mu      sync.Mutex
	entries map[int64]balanceEntry
	now     func() time.Time
}

func NewMemoryBalances() *MemoryBalances {
	return &MemoryBalances{entries: make(map[int64]balanceEntry), now: time.Now}
}

func (c *MemoryBalances) Get(_ context.Context, accountID int64) (ledger.Money, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[accountID]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, accountID)
		return ledger.Money{}, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryBalances) Set(_ context.Context, accountID int64, balance ledger.Money, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[accountID] = balanceEntry{value: balance, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryBalances) Invalidate(_ context.Context, accountID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
	return nil
}

// =============================================================================
// DAY TOTALS
// =============================================================================

type totalEntry struct {
	cents   int64
	expires time.Time
}

type MemoryDayTotals struct {
	mu      sync.Mutex
	entries map[string]totalEntry
	now     func() time.Time
}

func NewMemoryDayTotals() *MemoryDayTotals {
	return &MemoryDayTotals{entries: make(map[string]totalEntry), now: time.Now}
}

func (c *MemoryDayTotals) Add(_ context.Context, key string, amount ledger.Money, ttl time.Duration) (ledger.Money, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		e = totalEntry{}
	}
	e.cents += amount.ToMinorUnits()
	e.expires = c.now().Add(ttl)
	c.entries[key] = e
	return ledger.MoneyFromMinorUnits(e.cents), nil
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// MemoryRateLimiter keeps per-key attempt timestamps, trimmed to the
// window on every call. Clock is injectable for window-edge tests.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	attempts map[string][]time.Time
	Now      func() time.Time
}

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limit:    limit,
		window:   window,
		attempts: make(map[string][]time.Time),
		Now:      time.Now,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()
	cutoff := now.Add(-l.window)
	kept := l.attempts[key][:0]
	for _, t := range l.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.attempts[key] = kept
	return len(kept) <= l.limit, nil
}

// =============================================================================
// REVOCATION LIST
// =============================================================================

type MemoryRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryRevocations) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[jti] = r.now().Add(ttl)
	return nil
}

func (r *MemoryRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.revoked[jti]
	if !ok {
		return false, nil
	}
	if r.now().After(exp) {
		delete(r.revoked, jti)
		return false, nil
	}
	return true, nil
}
