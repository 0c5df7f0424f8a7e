package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/config"
)

const keyDirectMessages = "gatekeeper:dm:global"

// DMLimiter throttles outgoing direct messages across all replicas so bursts
// of joins do not trip Discord's anti-spam limits.
type DMLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewDMLimiter(cfg config.Config, client *redis.Client) *DMLimiter {
	if client == nil || cfg.Redis.DMRate <= 0 || cfg.Redis.DMBurst <= 0 {
		return &DMLimiter{}
	}
	return &DMLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    cfg.Redis.DMRate,
		burst:   cfg.Redis.DMBurst,
	}
}

func (l *DMLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowDM admits one direct message. A disabled limiter admits everything.
func (l *DMLimiter) AllowDM(ctx context.Context) (bool, error) {
	return l.AllowDMs(ctx, 1)
}

// AllowDMs admits n direct messages together or none of them. A sequence
// longer than the burst costs the whole burst, so it is still admitted once
// the bucket is full.
func (l *DMLimiter) AllowDMs(ctx context.Context, n int) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	res, err := l.bucket.AllowN(ctx, keyDirectMessages, l.rate, l.burst, min(max(n, 1), l.burst))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
