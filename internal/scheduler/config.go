package scheduler

import (
	"time"

	"github.com/smallbiznis/cascade/internal/config"
)

// Config controls the payout tick and the cron expressions of the period jobs.
type Config struct {
	RunInterval   time.Duration
	EnabledJobs   []string
	NightlySpec   string
	MonthlySpec   string
	ReconcileSpec string
	JobTimeout    time.Duration
	LockTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   time.Minute,
		NightlySpec:   "0 1 * * *",
		MonthlySpec:   "0 2 1 * *",
		ReconcileSpec: "0 4 * * *",
		JobTimeout:    30 * time.Minute,
		LockTTL:       time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.NightlySpec == "" {
		c.NightlySpec = defaults.NightlySpec
	}
	if c.MonthlySpec == "" {
		c.MonthlySpec = defaults.MonthlySpec
	}
	if c.ReconcileSpec == "" {
		c.ReconcileSpec = defaults.ReconcileSpec
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:   time.Duration(cfg.Scheduler.RunIntervalSecond) * time.Second,
		EnabledJobs:   cfg.Scheduler.EnabledJobs,
		NightlySpec:   cfg.Scheduler.NightlySpec,
		MonthlySpec:   cfg.Scheduler.MonthlySpec,
		ReconcileSpec: cfg.Scheduler.ReconcileSpec,
	}
}
