package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// CooldownCache implements domain.CooldownCache using plain TTL keys. The
// allocator marks a symbol after trimming it and refuses to reopen it while
// the key is live.
type CooldownCache struct {
	rdb *redis.Client
}

// NewCooldownCache creates a CooldownCache backed by the given Client.
func NewCooldownCache(c *Client) *CooldownCache {
	return &CooldownCache{rdb: c.Underlying()}
}

func cooldownKey(symbol string) string {
	return "cooldown:" + symbol
}

// Mark starts (or refreshes) the cooldown for a symbol.
func (cc *CooldownCache) Mark(ctx context.Context, symbol string, ttl time.Duration) error {
	if err := cc.rdb.Set(ctx, cooldownKey(symbol), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis: mark cooldown %s: %w", symbol, err)
	}
	return nil
}

// Active reports whether a cooldown is live for the symbol.
func (cc *CooldownCache) Active(ctx context.Context, symbol string) (bool, error) {
	n, err := cc.rdb.Exists(ctx, cooldownKey(symbol)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check cooldown %s: %w", symbol, err)
	}
	return n > 0, nil
}

// Compile-time interface check.
var _ domain.CooldownCache = (*CooldownCache)(nil)
