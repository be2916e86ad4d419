package scheduler

import (
	"time"

	"github.com/paccoastponds/pondops/internal/config"
)

// Config controls the tick interval, the monthly billing window and batch
// sizes.
type Config struct {
	RunInterval        time.Duration
	RunDay             int
	RunHour            int
	BillingTimeout     time.Duration
	ReconcileTimeout   time.Duration
	ReconcileBatchSize int
	EnabledJobs        []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:        time.Minute,
		RunDay:             1,
		RunHour:            8,
		BillingTimeout:     6 * time.Hour,
		ReconcileTimeout:   30 * time.Second,
		ReconcileBatchSize: 500,
	}
}

// ProvideConfig derives the scheduler settings from the process config. A
// configured billing run timeout also bounds the monthly job.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:        cfg.Scheduler.RunInterval,
		RunDay:             cfg.Scheduler.RunDay,
		RunHour:            cfg.Scheduler.RunHour,
		BillingTimeout:     cfg.Scheduler.RunTimeout,
		ReconcileBatchSize: cfg.Scheduler.ReconcileBatchSize,
		EnabledJobs:        cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RunDay < 1 || c.RunDay > 31 {
		c.RunDay = defaults.RunDay
	}
	if c.RunHour < 0 || c.RunHour > 23 {
		c.RunHour = defaults.RunHour
	}
	if c.BillingTimeout <= 0 {
		c.BillingTimeout = defaults.BillingTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = defaults.ReconcileBatchSize
	}
	return c
}
