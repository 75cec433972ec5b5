package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(body)), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: corridorctl"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Outbox.InitialBackoff)
	assert.Equal(t, time.Hour, cfg.Sweep.StallThreshold)
	assert.Equal(t, DedupeMemory, cfg.Dedupe.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Dedupe.TTL)
	assert.Equal(t, time.Hour, cfg.Report.Bucket)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	t.Setenv("CORRIDOR_DATABASE_DSN", "postgres://corridor@localhost/corridor")
	t.Setenv("CORRIDOR_REDIS_ADDR", "localhost:6379")

	path := writeConfig(t, `
dedupe:
  backend: redis
  ttl: 2h
outbox:
  max_attempts: 3
  initial_backoff: 1s
alerting:
  slack:
    enabled: true
    webhook_url: https://hooks.slack.example/T000
refund:
  rpc_urls:
    POLYGON: https://polygon.example
  tokens:
    POLYGON:
      USDC:
        address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
        decimals: 6
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://corridor@localhost/corridor", cfg.Database.DSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, DedupeRedis, cfg.Dedupe.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Dedupe.TTL)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.True(t, cfg.Alerting.Slack.Enabled)

	// viper folds map keys to lower case
	token := cfg.Refund.Tokens["polygon"]["usdc"]
	assert.Equal(t, int32(6), token.Decimals)
	assert.Equal(t, "https://polygon.example", cfg.Refund.RPCURLs["polygon"])
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Outbox: OutboxConfig{BatchSize: 1, MaxAttempts: 1, PollInterval: time.Second, Multiplier: 2},
			Sweep:  SweepConfig{Interval: time.Minute, StallThreshold: time.Hour},
			Dedupe: DedupeConfig{Backend: DedupeMemory},
			Report: ReportConfig{Bucket: time.Hour},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"redis without addr": func(c *Config) { c.Dedupe.Backend = DedupeRedis },
		"unknown backend":    func(c *Config) { c.Dedupe.Backend = "memcached" },
		"slack without url":  func(c *Config) { c.Alerting.Slack.Enabled = true },
		"telegram no token":  func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"zero batch":         func(c *Config) { c.Outbox.BatchSize = 0 },
		"shrinking backoff":  func(c *Config) { c.Outbox.Multiplier = 0.5 },
		"zero stall":         func(c *Config) { c.Sweep.StallThreshold = 0 },
		"token no address": func(c *Config) {
			c.Refund.Tokens = map[string]map[string]TokenConfig{"polygon": {"usdc": {Decimals: 6}}}
		},
		"verify without rpc": func(c *Config) { c.Refund.VerifyReceipts = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
