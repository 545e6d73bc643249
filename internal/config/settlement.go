package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SettlementConfig holds the tunables that operators may change at runtime.
type SettlementConfig struct {
	FallbackCommissionRate string           `mapstructure:"fallbackCommissionRate"`
	ReversalPageSize       int              `mapstructure:"reversalPageSize"`
	RecoverAfter           time.Duration    `mapstructure:"recoverAfter"`
	StaleTransactionTTL    time.Duration    `mapstructure:"staleTransactionTTL"`
	Dispatcher             DispatcherConfig `mapstructure:"dispatcher"`
	Payout                 PayoutConfig     `mapstructure:"payout"`
}

type DispatcherConfig struct {
	Workers         int           `mapstructure:"workers"`
	BatchSize       int           `mapstructure:"batchSize"`
	PollInterval    time.Duration `mapstructure:"pollInterval"`
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	RetryBackoff    time.Duration `mapstructure:"retryBackoff"`
	ProcessingLease time.Duration `mapstructure:"processingLease"`
}

type PayoutConfig struct {
	MinAmount       int64         `mapstructure:"minAmount"`
	TransferTimeout time.Duration `mapstructure:"transferTimeout"`
	TokenToCashRate string        `mapstructure:"tokenToCashRate"`
	ApprovalLockTTL time.Duration `mapstructure:"approvalLockTTL"`
	DefaultRail     string        `mapstructure:"defaultRail"`
	Currency        string        `mapstructure:"currency"`
}

func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		FallbackCommissionRate: "0.20",
		ReversalPageSize:       100,
		RecoverAfter:           10 * time.Minute,
		StaleTransactionTTL:    24 * time.Hour,
		Dispatcher: DispatcherConfig{
			Workers:         8,
			BatchSize:       100,
			PollInterval:    time.Second,
			MaxAttempts:     10,
			RetryBackoff:    5 * time.Second,
			ProcessingLease: 5 * time.Minute,
		},
		Payout: PayoutConfig{
			MinAmount:       0,
			TransferTimeout: 15 * time.Second,
			TokenToCashRate: "1",
			ApprovalLockTTL: 30 * time.Second,
			DefaultRail:     "manual",
			Currency:        "USD",
		},
	}
}

// FallbackRate returns the parsed fallback commission rate.
func (c SettlementConfig) FallbackRate() decimal.Decimal {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.FallbackCommissionRate))
	if err != nil {
		return decimal.RequireFromString("0.20")
	}
	return rate
}

// ConversionRate returns cash minor units paid out per token minor unit.
func (c PayoutConfig) ConversionRate() decimal.Decimal {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.TokenToCashRate))
	if err != nil || !rate.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return rate
}

type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementConfig
}

// NewStaticSettlementConfigHolder wraps a fixed config, used by tests and tools.
func NewStaticSettlementConfigHolder(cfg SettlementConfig) *SettlementConfigHolder {
	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewSettlementConfigHolder(appCfg Config, log *zap.Logger) (*SettlementConfigHolder, error) {
	log = log.Named("config.settlement")
	v := viper.New()

	if appCfg.SettlementConfigPath != "" {
		v.SetConfigFile(appCfg.SettlementConfigPath)
	} else {
		v.SetConfigName("settlement")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creatorledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREATORLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setSettlementDefaults(v, DefaultSettlementConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("settlement config file not found, using defaults")
	}

	cfg, err := decodeSettlement(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateSettlementConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticSettlementConfigHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeSettlement(v)
		if err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := ValidateSettlementConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// decodeSettlement unmarshals through AllSettings so nested defaults survive a
// partial config file.
func decodeSettlement(v *viper.Viper) (SettlementConfig, error) {
	var wrapper struct {
		Settlement SettlementConfig `mapstructure:"settlement"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return SettlementConfig{}, err
	}
	return wrapper.Settlement, nil
}

func (h *SettlementConfigHolder) Get() SettlementConfig {
	return h.current.Load().(SettlementConfig)
}

func setSettlementDefaults(v *viper.Viper, d SettlementConfig) {
	v.SetDefault("settlement.fallbackCommissionRate", d.FallbackCommissionRate)
	v.SetDefault("settlement.reversalPageSize", d.ReversalPageSize)
	v.SetDefault("settlement.recoverAfter", d.RecoverAfter)
	v.SetDefault("settlement.staleTransactionTTL", d.StaleTransactionTTL)
	v.SetDefault("settlement.dispatcher.workers", d.Dispatcher.Workers)
	v.SetDefault("settlement.dispatcher.batchSize", d.Dispatcher.BatchSize)
	v.SetDefault("settlement.dispatcher.pollInterval", d.Dispatcher.PollInterval)
	v.SetDefault("settlement.dispatcher.maxAttempts", d.Dispatcher.MaxAttempts)
	v.SetDefault("settlement.dispatcher.retryBackoff", d.Dispatcher.RetryBackoff)
	v.SetDefault("settlement.dispatcher.processingLease", d.Dispatcher.ProcessingLease)
	v.SetDefault("settlement.payout.minAmount", d.Payout.MinAmount)
	v.SetDefault("settlement.payout.transferTimeout", d.Payout.TransferTimeout)
	v.SetDefault("settlement.payout.tokenToCashRate", d.Payout.TokenToCashRate)
	v.SetDefault("settlement.payout.approvalLockTTL", d.Payout.ApprovalLockTTL)
	v.SetDefault("settlement.payout.defaultRail", d.Payout.DefaultRail)
	v.SetDefault("settlement.payout.currency", d.Payout.Currency)
}

func ValidateSettlementConfig(cfg SettlementConfig) error {
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.FallbackCommissionRate))
	if err != nil {
		return fmt.Errorf("settlement.fallbackCommissionRate: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("settlement.fallbackCommissionRate must be within [0,1]")
	}
	if cfg.ReversalPageSize <= 0 {
		return errors.New("settlement.reversalPageSize must be positive")
	}
	if cfg.Dispatcher.Workers <= 0 || cfg.Dispatcher.BatchSize <= 0 {
		return errors.New("settlement.dispatcher workers and batchSize must be positive")
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		return errors.New("settlement.dispatcher.maxAttempts must be positive")
	}
	if cfg.Payout.MinAmount < 0 {
		return errors.New("settlement.payout.minAmount cannot be negative")
	}
	if cfg.Payout.TransferTimeout <= 0 {
		return errors.New("settlement.payout.transferTimeout must be positive")
	}
	return nil
}
