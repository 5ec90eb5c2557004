// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via NEWSFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"newsflow-trader/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Paper      bool                   `mapstructure:"paper"`
	Alerts     AlertsConfig           `mapstructure:"alerts"`
	Broker     BrokerConfig           `mapstructure:"broker"`
	Quotes     QuotesConfig           `mapstructure:"quotes"`
	Database   DatabaseConfig         `mapstructure:"database"`
	Engine     EngineConfig           `mapstructure:"engine"`
	Status     StatusConfig           `mapstructure:"status"`
	Logging    LoggingConfig          `mapstructure:"logging"`
	Strategies []types.StrategyConfig `mapstructure:"strategies"`
}

// AlertsConfig controls the HTTP alert ingestion service.
type AlertsConfig struct {
	Port        int           `mapstructure:"port"`
	DedupeSize  int           `mapstructure:"dedupe_size"`
	QueueSize   int           `mapstructure:"queue_size"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// BrokerConfig holds broker API credentials and endpoints. Paper vs live
// is selected by the top-level Paper flag.
type BrokerConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// QuotesConfig holds the market-data vendor endpoints and the hard cap on
// concurrent symbol subscriptions the vendor enforces.
type QuotesConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	KeyURL           string        `mapstructure:"key_url"`
	APIToken         string        `mapstructure:"api_token"`
	MaxSubscriptions int           `mapstructure:"max_subscriptions"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	Exchange         string        `mapstructure:"exchange"`
}

// DatabaseConfig holds the Postgres connection string.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// EngineConfig tunes the orchestrator loops.
type EngineConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	BrokerTimeout     time.Duration `mapstructure:"broker_timeout"`
}

// StatusConfig controls the operator status/metrics HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: NEWSFLOW_BROKER_KEY, NEWSFLOW_BROKER_SECRET,
// NEWSFLOW_QUOTES_TOKEN, NEWSFLOW_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("NEWSFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("NEWSFLOW_BROKER_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("NEWSFLOW_BROKER_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if tok := os.Getenv("NEWSFLOW_QUOTES_TOKEN"); tok != "" {
		cfg.Quotes.APIToken = tok
	}
	if dsn := os.Getenv("NEWSFLOW_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if os.Getenv("NEWSFLOW_PAPER") == "true" || os.Getenv("NEWSFLOW_PAPER") == "1" {
		cfg.Paper = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paper", true)
	v.SetDefault("alerts.port", 8765)
	v.SetDefault("alerts.dedupe_size", 500)
	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("alerts.read_timeout", 5*time.Second)
	v.SetDefault("broker.timeout", 30*time.Second)
	v.SetDefault("quotes.max_subscriptions", 10)
	v.SetDefault("quotes.ping_interval", 25*time.Second)
	v.SetDefault("quotes.exchange", "NASDAQ")
	v.SetDefault("engine.reconcile_interval", 30*time.Second)
	v.SetDefault("engine.broker_timeout", 30*time.Second)
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.port", 8766)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Alerts.Port <= 0 || c.Alerts.Port > 65535 {
		return fmt.Errorf("alerts.port must be a valid TCP port")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set NEWSFLOW_DATABASE_DSN)")
	}
	if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
		return fmt.Errorf("broker credentials are required (set NEWSFLOW_BROKER_KEY / NEWSFLOW_BROKER_SECRET)")
	}
	if c.Quotes.WSURL == "" {
		return fmt.Errorf("quotes.ws_url is required")
	}
	if c.Quotes.MaxSubscriptions <= 0 {
		return fmt.Errorf("quotes.max_subscriptions must be > 0")
	}
	seen := make(map[int]string, len(c.Strategies))
	names := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy %q: id is required", s.Name)
		}
		if s.Name == "" {
			return fmt.Errorf("strategy %s: name is required", s.ID)
		}
		if names[s.Name] {
			return fmt.Errorf("strategy name %q is not unique", s.Name)
		}
		names[s.Name] = true
		if prev, dup := seen[s.Priority]; dup {
			return fmt.Errorf("strategies %s and %s share priority %d", prev, s.ID, s.Priority)
		}
		seen[s.Priority] = s.ID
		if err := validateStrategy(s); err != nil {
			return fmt.Errorf("strategy %s: %w", s.ID, err)
		}
	}
	return nil
}

func validateStrategy(s types.StrategyConfig) error {
	switch s.Sizing.Mode {
	case types.SizingFixed:
		if s.Sizing.StakeAmount <= 0 {
			return fmt.Errorf("sizing.stake_amount must be > 0 in fixed mode")
		}
	case types.SizingVolumePct:
		if s.Sizing.VolumePct <= 0 {
			return fmt.Errorf("sizing.volume_pct must be > 0 in volume_pct mode")
		}
		if s.Sizing.MaxStake <= 0 {
			return fmt.Errorf("sizing.max_stake must be > 0 in volume_pct mode")
		}
	default:
		return fmt.Errorf("sizing.mode must be %q or %q", types.SizingFixed, types.SizingVolumePct)
	}
	if s.Entry.ConsecGreenCandles < 0 {
		return fmt.Errorf("entry.consec_green_candles must be >= 0")
	}
	if s.Entry.EntryWindowMin <= 0 {
		return fmt.Errorf("entry.entry_window_min must be > 0")
	}
	if s.Exit.StopLossPct <= 0 {
		return fmt.Errorf("exit.stop_loss_pct must be > 0")
	}
	if s.Exit.TakeProfitPct <= 0 {
		return fmt.Errorf("exit.take_profit_pct must be > 0")
	}
	if s.Exit.TimeoutMin <= 0 {
		return fmt.Errorf("exit.timeout_min must be > 0")
	}
	return nil
}
