package scheduler

import (
	"time"

	"github.com/smallbiznis/gatekeeper/internal/config"
)

// Config controls the sweep cadence and its lease.
type Config struct {
	RunInterval time.Duration
	// JobTimeout never exceeds LeaseTTL so a sweep stops before another
	// replica can take the lease.
	JobTimeout time.Duration
	// LeaseTTL bounds how long a crashed replica can hold the sweep lease.
	LeaseTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 10 * time.Minute,
		JobTimeout:  15 * time.Minute,
		LeaseTTL:    15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.JobTimeout > c.LeaseTTL {
		c.JobTimeout = c.LeaseTTL
	}
	return c
}

func ProvideConfig(cfg config.Config, onboarding config.OnboardingConfig) Config {
	return Config{
		RunInterval: onboarding.SweepInterval(),
		LeaseTTL:    time.Duration(cfg.Redis.SweepLeaseTTLSecond) * time.Second,
	}.withDefaults()
}
