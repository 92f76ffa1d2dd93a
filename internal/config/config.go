// Package config provides configuration management for the trading automaton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig  `mapstructure:"trading"`
	Backfill    BackfillConfig `mapstructure:"backfill"`
	Pipeline    PipelineConfig `mapstructure:"pipeline"`
	Risk        RiskConfig     `mapstructure:"risk"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	Credentials Credentials    `mapstructure:"-"` // Loaded separately
	StateDir    string         `mapstructure:"state_dir"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Watchlist       []string `mapstructure:"watchlist"`
	Strategies      []string `mapstructure:"strategies"` // empty = full default registry
	FundAllocation  float64  `mapstructure:"fund_allocation"`
	DefaultExchange string   `mapstructure:"default_exchange"`
	OrderWorkers    int      `mapstructure:"order_workers"`
}

// BackfillConfig holds historical backfill configuration.
type BackfillConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	BatchPause       time.Duration `mapstructure:"batch_pause"`
	ChunkMaxDays     int           `mapstructure:"chunk_max_days"`
	ChunkPause       time.Duration `mapstructure:"chunk_pause"`
	RateLimitRetries int           `mapstructure:"rate_limit_retries"`
	RateLimitDelay   time.Duration `mapstructure:"rate_limit_delay"`
	LookbackYears    int           `mapstructure:"lookback_years"`
}

// PipelineConfig holds tick pipeline configuration.
type PipelineConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// RiskConfig holds trailing stop-loss ratchet policy.
// The numeric schedule is swappable policy, not code.
type RiskConfig struct {
	ATRMultiplier  float64       `mapstructure:"atr_multiplier"`
	MaxLossPercent float64       `mapstructure:"max_loss_percent"`
	ProfitTiers    []ProfitTier  `mapstructure:"profit_tiers"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
}

// ProfitTier raises the stop floor once profit reaches a threshold.
type ProfitTier struct {
	ProfitPercent float64 `mapstructure:"profit_percent"`
	LockInPercent float64 `mapstructure:"lock_in_percent"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Credentials holds broker API credentials.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Zerodha Kite Connect credentials.
type KiteCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/autotrader"
	}
	return filepath.Join(home, ".config", "autotrader")
}

// DefaultProfitTiers is the default lock-in schedule for the trailing stop.
var DefaultProfitTiers = []ProfitTier{
	{ProfitPercent: 3, LockInPercent: 1},
	{ProfitPercent: 5, LockInPercent: 2.5},
	{ProfitPercent: 8, LockInPercent: 5},
	{ProfitPercent: 12, LockInPercent: 8},
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(configDir, "state")
	}
	if len(cfg.Risk.ProfitTiers) == 0 {
		cfg.Risk.ProfitTiers = DefaultProfitTiers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir string, target *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	v.SetDefault("trading.fund_allocation", 20000.0)
	v.SetDefault("trading.default_exchange", "NSE")
	v.SetDefault("trading.order_workers", 10)
	v.SetDefault("backfill.batch_size", 20)
	v.SetDefault("backfill.batch_pause", 500*time.Millisecond)
	v.SetDefault("backfill.chunk_max_days", 2000)
	v.SetDefault("backfill.chunk_pause", 350*time.Millisecond)
	v.SetDefault("backfill.rate_limit_retries", 3)
	v.SetDefault("backfill.rate_limit_delay", 2*time.Second)
	v.SetDefault("backfill.lookback_years", 5)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.queue_size", 1000)
	v.SetDefault("pipeline.refresh_interval", 5*time.Minute)
	v.SetDefault("risk.atr_multiplier", 2.0)
	v.SetDefault("risk.max_loss_percent", 5.0)
	v.SetDefault("risk.lock_timeout", 3*time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// No config file: defaults plus env overrides still apply.
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_USER_ID"); v != "" {
		cfg.Credentials.Kite.UserID = v
	}
	if v := os.Getenv("KITE_PASSWORD"); v != "" {
		cfg.Credentials.Kite.Password = v
	}
	if v := os.Getenv("KITE_TOTP_SECRET"); v != "" {
		cfg.Credentials.Kite.TOTPSecret = v
	}
	if v := os.Getenv("TRADER_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("TRADER_FUND_ALLOCATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.FundAllocation = f
		}
	}
	if v := os.Getenv("TRADER_STRATEGIES"); v != "" {
		cfg.Trading.Strategies = strings.Split(v, ",")
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.FundAllocation <= 0 {
		return fmt.Errorf("fund_allocation must be positive, got %.2f", c.Trading.FundAllocation)
	}
	if c.Trading.DefaultExchange != "NSE" && c.Trading.DefaultExchange != "BSE" {
		return fmt.Errorf("invalid default_exchange: %s", c.Trading.DefaultExchange)
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill batch_size must be positive")
	}
	if c.Backfill.ChunkMaxDays <= 0 {
		return fmt.Errorf("backfill chunk_max_days must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if c.Risk.ATRMultiplier <= 0 {
		return fmt.Errorf("risk atr_multiplier must be positive")
	}
	if c.Risk.MaxLossPercent <= 0 || c.Risk.MaxLossPercent >= 100 {
		return fmt.Errorf("risk max_loss_percent must be in (0, 100)")
	}
	for i, tier := range c.Risk.ProfitTiers {
		if tier.LockInPercent > tier.ProfitPercent {
			return fmt.Errorf("risk profit_tiers[%d]: lock_in_percent above profit_percent", i)
		}
	}
	return nil
}

// HistDataDir returns the per-symbol bar cache directory.
func (c *Config) HistDataDir() string {
	return filepath.Join(c.StateDir, "histdata")
}

// StopLossPath returns the stop-loss store file path.
func (c *Config) StopLossPath() string {
	return filepath.Join(c.StateDir, "stoploss.json")
}

// FetchMarkerPath returns the fetch-completion marker file path.
func (c *Config) FetchMarkerPath() string {
	return filepath.Join(c.StateDir, "fetched.json")
}

// JournalPath returns the decision journal database path.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "journal.db")
}

// SessionPath returns the broker session file path.
func (c *Config) SessionPath() string {
	return filepath.Join(c.StateDir, "session.json")
}
