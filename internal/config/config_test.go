package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults_Validate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5*time.Second, cfg.Engine.StrictDeadline.Duration)
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "paper"

[engine]
strict_deadline = "2s"
auto_execute = true

[limits]
max_daily_volume_usd = 750.5

[kalshi]
demo = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Engine.StrictDeadline.Duration)
	assert.True(t, cfg.Engine.AutoExecute)
	assert.Equal(t, 750.5, cfg.Limits.MaxDailyVolumeUSD)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Engine.TolerantDeadline.Duration)
	assert.Equal(t, "https://clob.polymarket.com", cfg.Polymarket.ClobHost)

	rest, ws := cfg.Kalshi.Endpoints()
	assert.Equal(t, kalshiDemoBaseURL, rest)
	assert.Equal(t, kalshiDemoWsURL, ws)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeTOML(t, "[engine]\nstrict_deadline = \"soon\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ARBENGINE_MODE", "live")
	t.Setenv("ARBENGINE_KALSHI_API_KEY", "key-id")
	t.Setenv("ARBENGINE_SCANNER_INTERVAL", "750ms")
	t.Setenv("ARBENGINE_MAX_TOTAL_EXPOSURE_USD", "2500")
	t.Setenv("ARBENGINE_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("ARBENGINE_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "key-id", cfg.Kalshi.ApiKey)
	assert.Equal(t, 750*time.Millisecond, cfg.Scanner.Interval.Duration)
	assert.Equal(t, 2500.0, cfg.Limits.MaxTotalExposureUSD)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// Unparseable values leave the default in place.
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Store.Backend = "sqlite"
	cfg.Limits.MaxOrderSizeUSD = 0
	cfg.Scanner.ExecutionMode = "FAST"
	cfg.Kalshi.Fee.Kind = "percent"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "yolo"`,
		`store: unknown backend "sqlite"`,
		"limits: max_order_size_usd must be > 0",
		`scanner: unknown execution_mode "FAST"`,
		`kalshi: unknown fee kind "percent"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_LiveNeedsCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kalshi: api_key is required for live mode")
	assert.Contains(t, err.Error(), "wallet: either private_key or encrypted_key_path must be set for live mode")
	assert.Contains(t, err.Error(), "server: api_key is required for live mode")

	cfg.Kalshi.ApiKey = "k"
	cfg.Kalshi.RsaPrivateKeyPath = "/keys/kalshi.pem"
	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Polymarket.ApiKey = "a"
	cfg.Polymarket.ApiSecret = "b"
	cfg.Polymarket.ApiPassphrase = "c"
	cfg.Server.ApiKey = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Table(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"partial polymarket creds", func(c *Config) { c.Polymarket.ApiKey = "only" }, "must all be set together"},
		{"no venue", func(c *Config) { c.Kalshi.Enabled = false; c.Polymarket.Enabled = false }, "at least one of"},
		{"postgres without host", func(c *Config) { c.Store.Backend = "postgres"; c.Postgres.Host = "" }, "postgres: host must not be empty"},
		{"redis backend without addr", func(c *Config) { c.Store.Backend = "redis" }, "redis: addr must not be empty"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true; c.S3.Bucket = "" }, "s3: bucket must not be empty"},
		{"unwind slippage", func(c *Config) { c.Engine.UnwindSlippage = 1.5 }, "unwind_slippage must be in [0,1)"},
		{"tiered without threshold", func(c *Config) { c.Polymarket.Fee = FeeConfig{Kind: "tiered", Rate: 0.01} }, "threshold must be > 0"},
		{"rate limit without window", func(c *Config) { c.Kalshi.RateWindow = duration{} }, "rate_window must be > 0"},
		{"safe without funder", func(c *Config) { c.Polymarket.SignatureType = 2 }, "funder_address is required"},
		{"bus feed without redis", func(c *Config) { c.Feed.Source = "bus" }, "source bus requires redis.addr"},
		{"telegram half set", func(c *Config) { c.Notify.TelegramToken = "t" }, "must be set together"},
		{"position above total", func(c *Config) { c.Limits.MaxPositionUSD = 5000 }, "max_position_usd must not exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Kalshi.ApiKey = "kalshi-key"
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Polymarket.ApiSecret = "poly-secret"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.ApiKey = "api"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Kalshi.ApiKey)
	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Polymarket.ApiSecret)
	assert.Equal(t, "***", red.Postgres.DSN)
	assert.Equal(t, "***", red.Server.ApiKey)
	// Empty secrets stay empty so operators can tell they are unset.
	assert.Empty(t, red.Redis.Password)

	assert.Equal(t, "kalshi-key", cfg.Kalshi.ApiKey)
	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
