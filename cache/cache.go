/*
Package cache provides the best-effort fast layers: idempotency probe,
balance cache, rolling day totals, sliding-window rate limiting and the
token revocation list.

Two implementations exist for every contract: Redis for production and
an in-memory one for tests and local development. Callers own the
degradation policy; everything here just reports errors.

KEY SHAPES (Redis):
  idem:{namespace}:{key}   idempotency marker, set post-commit, NX + TTL
  balance:{account_id}     cached balance, 2-decimal string
  pix:day:{account}:{date} rolling day total, minor units
  rl:{scope}:{key}         sliding-window ZSET
  bl:jti:{jti}             revoked token marker, TTL = remaining life
*/
package cache

import (
	"context"
	"time"
)

// RateLimiter enforces a sliding window of at most `limit` events per
// `window` for each key.
type RateLimiter interface {
	// Allow records an attempt and reports whether it fits the window.
	Allow(ctx context.Context, key string) (bool, error)
}

// RevocationList tracks revoked token ids (jti) until natural expiry.
type RevocationList interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Pinger reports cache backend reachability for the health surface.
// In-process caches have no backend; callers treat a nil Pinger as
// healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefaultIdempotencyTTL bounds how long an idempotency marker lives.
const DefaultIdempotencyTTL = 24 * time.Hour
