package scheduler

import (
	"time"

	"github.com/smallbiznis/creatorledger/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	// LockTTL bounds how long one instance may hold a job lock.
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   100,
		JobTimeout:  30 * time.Second,
		LockTTL:     2 * time.Minute,
	}
}

// ProvideConfig derives the scheduler config from the process environment.
func ProvideConfig(cfg config.Config) Config {
	out := DefaultConfig()
	if cfg.SchedulerInterval > 0 {
		out.RunInterval = cfg.SchedulerInterval
	}
	out.EnabledJobs = cfg.SchedulerJobs
	return out
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout + defaults.JobTimeout
	}
	return c
}
