package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"corridor-flows/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Refund   RefundConfig   `mapstructure:"refund"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Dedupe   DedupeConfig   `mapstructure:"dedupe"`
	Report   ReportConfig   `mapstructure:"report"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

// RedisConfig points the shared dedupe store at Redis. Addr may be empty.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// OutboxConfig tunes event delivery.
type OutboxConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	Lease                time.Duration `mapstructure:"lease"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	InitialBackoff       time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	Multiplier           float64       `mapstructure:"multiplier"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	WebhookTimeout       time.Duration `mapstructure:"webhook_timeout"`
	SigningSecret        string        `mapstructure:"signing_secret"`
	UserNotificationsURL string        `mapstructure:"user_notifications_url"`
}

// AlertingConfig routes internal alerts.
type AlertingConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	Slack    SlackConfig    `mapstructure:"slack"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// SlackConfig describes the Slack incoming webhook.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RefundConfig covers on-chain refund preparation.
type RefundConfig struct {
	// Tokens is keyed by network then asset.
	Tokens         map[string]map[string]TokenConfig `mapstructure:"tokens"`
	RPCURLs        map[string]string                 `mapstructure:"rpc_urls"`
	VerifyReceipts bool                              `mapstructure:"verify_receipts"`
	RequestTimeout time.Duration                     `mapstructure:"request_timeout"`
}

// TokenConfig is an ERC-20 deployment.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// SweepConfig governs expiry and stall detection.
type SweepConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	StallThreshold  time.Duration `mapstructure:"stall_threshold"`
	BatchSize       int           `mapstructure:"batch_size"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// DedupeConfig selects the signal fingerprint store.
type DedupeConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ReportConfig sets report command behaviour.
type ReportConfig struct {
	Bucket time.Duration `mapstructure:"bucket"`
	Window time.Duration `mapstructure:"window"`
}

// Dedupe backends.
const (
	DedupeMemory = "memory"
	DedupeRedis  = "redis"
)

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CORRIDOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "corridorctl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.migrations_path", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.lock_timeout", "30s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "corridor")

	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.lease", "1m")
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("outbox.initial_backoff", "5s")
	v.SetDefault("outbox.max_backoff", "30m")
	v.SetDefault("outbox.multiplier", 2.0)
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.webhook_timeout", "10s")
	v.SetDefault("outbox.signing_secret", "")
	v.SetDefault("outbox.user_notifications_url", "")

	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.slack.enabled", false)
	v.SetDefault("alerting.slack.webhook_url", "")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("refund.verify_receipts", false)
	v.SetDefault("refund.request_timeout", "10s")

	v.SetDefault("sweep.interval", "1m")
	v.SetDefault("sweep.align_to_interval", true)
	v.SetDefault("sweep.startup_delay", "0s")
	v.SetDefault("sweep.stall_threshold", "1h")
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.advisory_lock_key", int64(0x636f7272))

	v.SetDefault("dedupe.backend", DedupeMemory)
	v.SetDefault("dedupe.ttl", "24h")

	v.SetDefault("report.bucket", "1h")
	v.SetDefault("report.window", "168h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be greater than zero")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be greater than zero")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be greater than zero")
	}
	if c.Outbox.Multiplier < 1 {
		return fmt.Errorf("outbox.multiplier must be at least 1")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be greater than zero")
	}
	if c.Sweep.StallThreshold <= 0 {
		return fmt.Errorf("sweep.stall_threshold must be greater than zero")
	}
	if c.Report.Bucket <= 0 {
		return fmt.Errorf("report.bucket must be greater than zero")
	}

	switch c.Dedupe.Backend {
	case DedupeMemory:
	case DedupeRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when dedupe.backend is redis")
		}
	default:
		return fmt.Errorf("dedupe.backend must be %q or %q, got %q", DedupeMemory, DedupeRedis, c.Dedupe.Backend)
	}

	if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
		return fmt.Errorf("alerting.slack.webhook_url is required")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}

	for network, tokens := range c.Refund.Tokens {
		for asset, token := range tokens {
			if token.Address == "" {
				return fmt.Errorf("refund.tokens.%s.%s.address is required", network, asset)
			}
			if token.Decimals < 0 {
				return fmt.Errorf("refund.tokens.%s.%s.decimals cannot be negative", network, asset)
			}
		}
	}
	if c.Refund.VerifyReceipts && len(c.Refund.RPCURLs) == 0 {
		return fmt.Errorf("refund.rpc_urls is required when refund.verify_receipts is set")
	}
	return nil
}
