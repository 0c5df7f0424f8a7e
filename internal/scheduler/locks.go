package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const sweepLeaseKey = "gatekeeper:sweep:lease"

type leaseLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// acquireLease keeps replicas from sweeping at the same time. Without a
// locker, or when redis is unreachable, the sweep proceeds; duplicate sweeps
// only repeat idempotent work.
func (s *Scheduler) acquireLease(ctx context.Context) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}

	token, ok, err := s.locker.TryLock(ctx, sweepLeaseKey, s.cfg.LeaseTTL)
	if err != nil {
		s.logger(ctx).Warn("scheduler.lease.unavailable", zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, sweepLeaseKey, token); err != nil {
			s.logger(ctx).Warn("scheduler.lease.release_failed", zap.Error(err))
		}
	}, true
}
