package service

import (
	"testing"
	"time"

	"github.com/smallbiznis/cascade/internal/config"
)

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	cfg := config.DefaultCompensationConfig().Payout

	first := retryDelay(cfg, 1)
	if first < cfg.BackoffInitial/2 || first > cfg.BackoffInitial*3/2 {
		t.Fatalf("first delay %s outside jitter range of %s", first, cfg.BackoffInitial)
	}

	capped := retryDelay(cfg, 40)
	if capped > cfg.BackoffMax*3/2 {
		t.Fatalf("delay %s exceeds max %s with jitter", capped, cfg.BackoffMax)
	}
	if capped < cfg.BackoffMax/2 {
		t.Fatalf("delay %s did not reach the cap %s", capped, cfg.BackoffMax)
	}
}

func TestRetryDelayDefaults(t *testing.T) {
	delay := retryDelay(config.PayoutConfig{}, 1)
	if delay <= 0 || delay > time.Second {
		t.Fatalf("unexpected default delay %s", delay)
	}
}
