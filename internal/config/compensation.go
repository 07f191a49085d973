package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	ReferralScopeDirect   = "direct"
	ReferralScopeDownline = "downline"
)

// CompensationConfig is the commission plan: level rates, tier ladder and payout policy.
type CompensationConfig struct {
	MaxDepth              int          `mapstructure:"maxDepth"`
	LevelRates            []float64    `mapstructure:"levelRates"`
	AmountScale           int32        `mapstructure:"amountScale"`
	PermanentStreakMonths int          `mapstructure:"permanentStreakMonths"`
	ReferralScope         string       `mapstructure:"referralScope"`
	QualifyingEventTypes  []string     `mapstructure:"qualifyingEventTypes"`
	Tiers                 []TierConfig `mapstructure:"tiers"`
	Payout                PayoutConfig `mapstructure:"payout"`
}

type TierConfig struct {
	Code               string  `mapstructure:"code"`
	Rank               int     `mapstructure:"rank"`
	MinTeamVolume      float64 `mapstructure:"minTeamVolume"`
	MinActiveReferrals int     `mapstructure:"minActiveReferrals"`
	AchievementBonus   float64 `mapstructure:"achievementBonus"`
	// TeamVolumeBonusRate pays this share of the period's team volume to members
	// that qualify for the tier. Zero disables the bonus.
	TeamVolumeBonusRate float64 `mapstructure:"teamVolumeBonusRate"`
}

type PayoutConfig struct {
	Delay           time.Duration `mapstructure:"delay"`
	MinAmount       float64       `mapstructure:"minAmount"`
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	BackoffInitial  time.Duration `mapstructure:"backoffInitial"`
	BackoffMax      time.Duration `mapstructure:"backoffMax"`
	Currency        string        `mapstructure:"currency"`
	DefaultProvider string        `mapstructure:"defaultProvider"`
	Concurrency     int           `mapstructure:"concurrency"`
	RatePerSecond   float64       `mapstructure:"ratePerSecond"`
	CallTimeout     time.Duration `mapstructure:"callTimeout"`
	AmbiguousAfter  time.Duration `mapstructure:"ambiguousAfter"`
	BatchSize       int           `mapstructure:"batchSize"`
}

func DefaultCompensationConfig() CompensationConfig {
	return CompensationConfig{
		MaxDepth:              5,
		LevelRates:            []float64{0.12, 0.06, 0.04, 0.02, 0.01},
		AmountScale:           2,
		PermanentStreakMonths: 3,
		ReferralScope:         ReferralScopeDirect,
		QualifyingEventTypes:  []string{"starter", "purchase", "renewal"},
		Tiers: []TierConfig{
			{Code: "member", Rank: 0},
			{Code: "bronze", Rank: 1, MinTeamVolume: 1000, MinActiveReferrals: 1, AchievementBonus: 25},
			{Code: "silver", Rank: 2, MinTeamVolume: 5000, MinActiveReferrals: 2, AchievementBonus: 100},
			{Code: "gold", Rank: 3, MinTeamVolume: 15000, MinActiveReferrals: 3, AchievementBonus: 500},
			{Code: "platinum", Rank: 4, MinTeamVolume: 50000, MinActiveReferrals: 5, AchievementBonus: 2000},
		},
		Payout: PayoutConfig{
			Delay:           24 * time.Hour,
			MinAmount:       50,
			MaxAttempts:     5,
			BackoffInitial:  5 * time.Minute,
			BackoffMax:      6 * time.Hour,
			Currency:        "usd",
			DefaultProvider: "stripe",
			Concurrency:     4,
			RatePerSecond:   5,
			CallTimeout:     20 * time.Second,
			AmbiguousAfter:  15 * time.Minute,
			BatchSize:       100,
		},
	}
}

// LevelRate returns the commission rate for a 1-indexed upline level.
func (c CompensationConfig) LevelRate(level int) decimal.Decimal {
	if level < 1 || level > len(c.LevelRates) || level > c.MaxDepth {
		return decimal.Zero
	}
	return decimal.NewFromFloat(c.LevelRates[level-1])
}

func (c CompensationConfig) IsQualifyingEvent(eventType string) bool {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	for _, t := range c.QualifyingEventTypes {
		if strings.EqualFold(strings.TrimSpace(t), eventType) {
			return true
		}
	}
	return false
}

// Round applies the configured monetary scale.
func (c CompensationConfig) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(c.AmountScale)
}

// BaseTier returns the rank 0 tier every onboarded member starts in.
func (c CompensationConfig) BaseTier() TierConfig {
	for _, t := range c.Tiers {
		if t.Rank == 0 {
			return t
		}
	}
	return TierConfig{}
}

func (c CompensationConfig) TierByCode(code string) (TierConfig, bool) {
	for _, t := range c.Tiers {
		if t.Code == code {
			return t, true
		}
	}
	return TierConfig{}, false
}

// TiersByRankDesc returns the tier ladder from highest to lowest rank.
func (c CompensationConfig) TiersByRankDesc() []TierConfig {
	out := make([]TierConfig, len(c.Tiers))
	copy(out, c.Tiers)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank > out[j].Rank })
	return out
}

func (t TierConfig) MinTeamVolumeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(t.MinTeamVolume)
}

func (t TierConfig) AchievementBonusDecimal() decimal.Decimal {
	return decimal.NewFromFloat(t.AchievementBonus)
}

func (t TierConfig) TeamVolumeBonusRateDecimal() decimal.Decimal {
	return decimal.NewFromFloat(t.TeamVolumeBonusRate)
}

func (p PayoutConfig) MinAmountDecimal() decimal.Decimal {
	return decimal.NewFromFloat(p.MinAmount)
}

type CompensationConfigHolder struct {
	current atomic.Value // holds CompensationConfig
}

// NewCompensationConfigHolder reads compensation.yml and watches it for changes.
func NewCompensationConfigHolder() (*CompensationConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("compensation")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/cascade/config")
	v.AddConfigPath("/etc/cascade")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setCompensationDefaults(v, DefaultCompensationConfig())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := unmarshalCompensation(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateCompensationConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CompensationConfigHolder{}
	holder.current.Store(cfg)

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log := zap.L().Named("config.compensation")
		updated, err := unmarshalCompensation(v)
		if err != nil {
			log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := ValidateCompensationConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticCompensationConfig wraps a fixed configuration without file watching.
func NewStaticCompensationConfig(cfg CompensationConfig) (*CompensationConfigHolder, error) {
	if err := ValidateCompensationConfig(cfg); err != nil {
		return nil, err
	}
	holder := &CompensationConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *CompensationConfigHolder) Get() CompensationConfig {
	return h.current.Load().(CompensationConfig)
}

// unmarshalCompensation decodes the merged settings, defaults included.
func unmarshalCompensation(v *viper.Viper) (CompensationConfig, error) {
	var root struct {
		Compensation CompensationConfig `mapstructure:"compensation"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return CompensationConfig{}, err
	}
	return root.Compensation, nil
}

func setCompensationDefaults(v *viper.Viper, d CompensationConfig) {
	v.SetDefault("compensation.maxDepth", d.MaxDepth)
	v.SetDefault("compensation.levelRates", d.LevelRates)
	v.SetDefault("compensation.amountScale", d.AmountScale)
	v.SetDefault("compensation.permanentStreakMonths", d.PermanentStreakMonths)
	v.SetDefault("compensation.referralScope", d.ReferralScope)
	v.SetDefault("compensation.qualifyingEventTypes", d.QualifyingEventTypes)
	v.SetDefault("compensation.tiers", d.Tiers)
	v.SetDefault("compensation.payout.delay", d.Payout.Delay)
	v.SetDefault("compensation.payout.minAmount", d.Payout.MinAmount)
	v.SetDefault("compensation.payout.maxAttempts", d.Payout.MaxAttempts)
	v.SetDefault("compensation.payout.backoffInitial", d.Payout.BackoffInitial)
	v.SetDefault("compensation.payout.backoffMax", d.Payout.BackoffMax)
	v.SetDefault("compensation.payout.currency", d.Payout.Currency)
	v.SetDefault("compensation.payout.defaultProvider", d.Payout.DefaultProvider)
	v.SetDefault("compensation.payout.concurrency", d.Payout.Concurrency)
	v.SetDefault("compensation.payout.ratePerSecond", d.Payout.RatePerSecond)
	v.SetDefault("compensation.payout.callTimeout", d.Payout.CallTimeout)
	v.SetDefault("compensation.payout.ambiguousAfter", d.Payout.AmbiguousAfter)
	v.SetDefault("compensation.payout.batchSize", d.Payout.BatchSize)
}

func ValidateCompensationConfig(cfg CompensationConfig) error {
	if cfg.MaxDepth <= 0 {
		return errors.New("compensation.maxDepth must be positive")
	}
	if len(cfg.LevelRates) < cfg.MaxDepth {
		return fmt.Errorf("compensation.levelRates needs %d entries", cfg.MaxDepth)
	}
	for i, rate := range cfg.LevelRates {
		if rate < 0 || rate >= 1 {
			return fmt.Errorf("compensation.levelRates[%d] out of range", i)
		}
	}
	if cfg.AmountScale < 0 {
		return errors.New("compensation.amountScale cannot be negative")
	}
	if cfg.PermanentStreakMonths <= 0 {
		return errors.New("compensation.permanentStreakMonths must be positive")
	}
	switch cfg.ReferralScope {
	case ReferralScopeDirect, ReferralScopeDownline:
	default:
		return fmt.Errorf("compensation.referralScope %q unsupported", cfg.ReferralScope)
	}
	if len(cfg.QualifyingEventTypes) == 0 {
		return errors.New("compensation.qualifyingEventTypes cannot be empty")
	}
	if len(cfg.Tiers) == 0 {
		return errors.New("compensation.tiers cannot be empty")
	}
	codes := map[string]struct{}{}
	ranks := map[int]struct{}{}
	for _, t := range cfg.Tiers {
		if strings.TrimSpace(t.Code) == "" {
			return errors.New("compensation.tiers code cannot be empty")
		}
		if _, dup := codes[t.Code]; dup {
			return fmt.Errorf("compensation.tiers duplicate code %q", t.Code)
		}
		if _, dup := ranks[t.Rank]; dup {
			return fmt.Errorf("compensation.tiers duplicate rank %d", t.Rank)
		}
		if t.MinTeamVolume < 0 || t.MinActiveReferrals < 0 || t.AchievementBonus < 0 {
			return fmt.Errorf("compensation.tiers %q thresholds cannot be negative", t.Code)
		}
		if t.TeamVolumeBonusRate < 0 || t.TeamVolumeBonusRate >= 1 {
			return fmt.Errorf("compensation.tiers %q teamVolumeBonusRate out of range", t.Code)
		}
		codes[t.Code] = struct{}{}
		ranks[t.Rank] = struct{}{}
	}
	if _, ok := ranks[0]; !ok {
		return errors.New("compensation.tiers requires a rank 0 base tier")
	}
	if cfg.Payout.MinAmount < 0 {
		return errors.New("compensation.payout.minAmount cannot be negative")
	}
	if cfg.Payout.MaxAttempts <= 0 {
		return errors.New("compensation.payout.maxAttempts must be positive")
	}
	if cfg.Payout.Delay < 0 {
		return errors.New("compensation.payout.delay cannot be negative")
	}
	return nil
}
