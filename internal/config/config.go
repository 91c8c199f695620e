package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Watermark WatermarkConfig `mapstructure:"watermark"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DatabaseConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

type RegistryConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type SchedulerConfig struct {
	// ScanInterval overrides the shortest strategy timeframe when set.
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	ProtectInterval time.Duration `mapstructure:"protect_interval"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	DailyResetCron  string        `mapstructure:"daily_reset_cron"`
	Workers         int           `mapstructure:"workers"`
}

type ExecutionConfig struct {
	DefaultMode     string        `mapstructure:"default_mode"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
}

type GatewayConfig struct {
	Kind          string                   `mapstructure:"kind"` // paper | alpaca
	RatePerSecond float64                  `mapstructure:"rate_per_second"`
	Burst         int                      `mapstructure:"burst"`
	CallTimeout   time.Duration            `mapstructure:"call_timeout"`
	Feed          FeedConfig               `mapstructure:"feed"`
	Paper         PaperConfig              `mapstructure:"paper"`
	Alpaca        map[string]AlpacaAccount `mapstructure:"alpaca"`
}

type FeedConfig struct {
	Kind    string            `mapstructure:"kind"` // yahoo | rest
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Proxy   string            `mapstructure:"proxy"`
	Symbols map[string]string `mapstructure:"symbols"`
}

type PaperConfig struct {
	Balance float64 `mapstructure:"balance"`
}

// AlpacaAccount holds the credentials for one registry account.
type AlpacaAccount struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	DataURL   string `mapstructure:"data_url"`
}

type WatermarkConfig struct {
	Kind      string `mapstructure:"kind"` // memory | redis
	RedisAddr string `mapstructure:"redis_addr"`
	Password  string `mapstructure:"redis_password"`
	DB        int    `mapstructure:"redis_db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LedgerConfig struct {
	StateFile string `mapstructure:"state_file"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides (TW_ prefix, dots become underscores). A .env file next to the
// working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", true)

	v.SetDefault("database.sqlite_path", "data/tradewarden.db")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("registry.path", "configs/strategies.yaml")
	v.SetDefault("registry.watch", true)

	v.SetDefault("scheduler.scan_interval", "0s")
	v.SetDefault("scheduler.protect_interval", "15s")
	v.SetDefault("scheduler.expiry_interval", "10s")
	v.SetDefault("scheduler.daily_reset_cron", "0 0 0 * * *")
	v.SetDefault("scheduler.workers", 4)

	v.SetDefault("execution.default_mode", "quality_gated")
	v.SetDefault("execution.approval_timeout", "15m")

	v.SetDefault("gateway.kind", "paper")
	v.SetDefault("gateway.rate_per_second", 5)
	v.SetDefault("gateway.burst", 10)
	v.SetDefault("gateway.call_timeout", "10s")
	v.SetDefault("gateway.feed.kind", "yahoo")
	v.SetDefault("gateway.feed.base_url", "")
	v.SetDefault("gateway.feed.api_key", "")
	v.SetDefault("gateway.feed.proxy", "")
	v.SetDefault("gateway.paper.balance", 10000)

	v.SetDefault("watermark.kind", "memory")
	v.SetDefault("watermark.redis_addr", "localhost:6379")
	v.SetDefault("watermark.redis_password", "")
	v.SetDefault("watermark.redis_db", 0)
	v.SetDefault("watermark.key_prefix", "tradewarden:watermark:")

	v.SetDefault("ledger.state_file", "data/ledger_state.json")
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}
	switch c.Execution.DefaultMode {
	case "auto", "quality_gated", "manual":
	default:
		return fmt.Errorf("execution.default_mode %q is not one of auto, quality_gated, manual", c.Execution.DefaultMode)
	}
	if c.Execution.ApprovalTimeout <= 0 {
		return fmt.Errorf("execution.approval_timeout must be positive")
	}
	if c.Scheduler.ProtectInterval <= 0 {
		return fmt.Errorf("scheduler.protect_interval must be positive")
	}
	if c.Scheduler.ExpiryInterval <= 0 {
		return fmt.Errorf("scheduler.expiry_interval must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Gateway.RatePerSecond <= 0 || c.Gateway.Burst <= 0 {
		return fmt.Errorf("gateway.rate_per_second and gateway.burst must be positive")
	}
	switch c.Gateway.Kind {
	case "paper":
		if c.Gateway.Paper.Balance <= 0 {
			return fmt.Errorf("gateway.paper.balance must be positive")
		}
		switch c.Gateway.Feed.Kind {
		case "yahoo":
		case "rest":
			if c.Gateway.Feed.BaseURL == "" {
				return fmt.Errorf("gateway.feed.base_url is required for the rest feed")
			}
		default:
			return fmt.Errorf("gateway.feed.kind %q is not one of yahoo, rest", c.Gateway.Feed.Kind)
		}
	case "alpaca":
		if len(c.Gateway.Alpaca) == 0 {
			return fmt.Errorf("gateway.alpaca needs credentials for at least one account")
		}
		for account, creds := range c.Gateway.Alpaca {
			if creds.APIKey == "" || creds.APISecret == "" {
				return fmt.Errorf("gateway.alpaca.%s: api_key and api_secret are required", account)
			}
		}
	default:
		return fmt.Errorf("gateway.kind %q is not one of paper, alpaca", c.Gateway.Kind)
	}
	switch c.Watermark.Kind {
	case "memory":
	case "redis":
		if c.Watermark.RedisAddr == "" {
			return fmt.Errorf("watermark.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("watermark.kind %q is not one of memory, redis", c.Watermark.Kind)
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required")
		}
	}
	return nil
}
