package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCompensationConfigIsValid(t *testing.T) {
	cfg := DefaultCompensationConfig()
	require.NoError(t, ValidateCompensationConfig(cfg))

	assert.True(t, cfg.LevelRate(1).Equal(decimal.RequireFromString("0.12")))
	assert.True(t, cfg.LevelRate(5).Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.LevelRate(6).IsZero())
	assert.True(t, cfg.LevelRate(0).IsZero())
	assert.Equal(t, "member", cfg.BaseTier().Code)
	assert.Equal(t, "platinum", cfg.TiersByRankDesc()[0].Code)
	assert.True(t, cfg.IsQualifyingEvent("Purchase"))
	assert.False(t, cfg.IsQualifyingEvent("refund"))
}

func TestValidateCompensationConfigRejectsBrokenPlans(t *testing.T) {
	cases := map[string]func(*CompensationConfig){
		"missing rates":  func(c *CompensationConfig) { c.LevelRates = c.LevelRates[:2] },
		"rate too large": func(c *CompensationConfig) { c.LevelRates[0] = 1.5 },
		"no base tier":   func(c *CompensationConfig) { c.Tiers = c.Tiers[1:] },
		"duplicate code": func(c *CompensationConfig) { c.Tiers[1].Code = "member" },
		"zero attempts":  func(c *CompensationConfig) { c.Payout.MaxAttempts = 0 },
		"bad scope":      func(c *CompensationConfig) { c.ReferralScope = "everyone" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultCompensationConfig()
			cfg.LevelRates = append([]float64(nil), cfg.LevelRates...)
			cfg.Tiers = append([]TierConfig(nil), cfg.Tiers...)
			mutate(&cfg)
			assert.Error(t, ValidateCompensationConfig(cfg))
		})
	}
}

func TestNewCompensationConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`compensation:
  maxDepth: 3
  levelRates: [0.1, 0.05, 0.02]
  payout:
    minAmount: 20
    delay: 48h
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compensation.yml"), content, 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewCompensationConfigHolder()
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 3, cfg.MaxDepth)
	assert.Len(t, cfg.LevelRates, 3)
	assert.Equal(t, float64(20), cfg.Payout.MinAmount)
	assert.Equal(t, "48h0m0s", cfg.Payout.Delay.String())
	assert.Equal(t, 5, cfg.Payout.MaxAttempts)
	assert.Equal(t, 3, cfg.PermanentStreakMonths)
}
