package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting for venue calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides the per-symbol submission lock. Exactly one in-flight
// submission may exist per normalized symbol.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// CooldownCache tracks per-symbol cooldowns after partial closes so the
// allocator does not immediately reopen what it just trimmed.
type CooldownCache interface {
	Mark(ctx context.Context, symbol string, ttl time.Duration) error
	Active(ctx context.Context, symbol string) (bool, error)
}
