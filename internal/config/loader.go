package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "ARBENGINE_MODE")
	setStr(&cfg.LogLevel, "ARBENGINE_LOG_LEVEL")

	// ── Kalshi ──
	setBool(&cfg.Kalshi.Enabled, "ARBENGINE_KALSHI_ENABLED")
	setStr(&cfg.Kalshi.ApiKey, "ARBENGINE_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKey, "ARBENGINE_KALSHI_RSA_PRIVATE_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "ARBENGINE_KALSHI_RSA_PRIVATE_KEY_PATH")
	setStr(&cfg.Kalshi.RsaKeyPassword, "ARBENGINE_KALSHI_RSA_KEY_PASSWORD")
	setStr(&cfg.Kalshi.BaseURL, "ARBENGINE_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "ARBENGINE_KALSHI_WS_URL")
	setBool(&cfg.Kalshi.Demo, "ARBENGINE_KALSHI_DEMO")
	setInt(&cfg.Kalshi.RateLimit, "ARBENGINE_KALSHI_RATE_LIMIT")
	setDuration(&cfg.Kalshi.RateWindow, "ARBENGINE_KALSHI_RATE_WINDOW")

	// ── Polymarket ──
	setBool(&cfg.Polymarket.Enabled, "ARBENGINE_POLYMARKET_ENABLED")
	setStr(&cfg.Polymarket.ClobHost, "ARBENGINE_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "ARBENGINE_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "ARBENGINE_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "ARBENGINE_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "ARBENGINE_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "ARBENGINE_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "ARBENGINE_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "ARBENGINE_POLYMARKET_API_PASSPHRASE")
	setInt(&cfg.Polymarket.RateLimit, "ARBENGINE_POLYMARKET_RATE_LIMIT")
	setDuration(&cfg.Polymarket.RateWindow, "ARBENGINE_POLYMARKET_RATE_WINDOW")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ARBENGINE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.FunderAddress, "ARBENGINE_WALLET_FUNDER_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ARBENGINE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ARBENGINE_WALLET_KEY_PASSWORD")

	// ── Store ──
	setStr(&cfg.Store.Backend, "ARBENGINE_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ARBENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBENGINE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARBENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBENGINE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ARBENGINE_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "ARBENGINE_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "ARBENGINE_ARCHIVE_INTERVAL")

	// ── Engine ──
	setBool(&cfg.Engine.AutoExecute, "ARBENGINE_ENGINE_AUTO_EXECUTE")
	setDuration(&cfg.Engine.StrictDeadline, "ARBENGINE_ENGINE_STRICT_DEADLINE")
	setDuration(&cfg.Engine.TolerantDeadline, "ARBENGINE_ENGINE_TOLERANT_DEADLINE")
	setDuration(&cfg.Engine.LeggedLegDeadline, "ARBENGINE_ENGINE_LEGGED_LEG_DEADLINE")
	setDuration(&cfg.Engine.UnwindDeadline, "ARBENGINE_ENGINE_UNWIND_DEADLINE")
	setFloat64(&cfg.Engine.UnwindSlippage, "ARBENGINE_ENGINE_UNWIND_SLIPPAGE")
	setFloat64(&cfg.Engine.MaxSlippagePct, "ARBENGINE_ENGINE_MAX_SLIPPAGE_PCT")

	// ── Limits ──
	setFloat64(&cfg.Limits.MaxOrderSizeUSD, "ARBENGINE_MAX_ORDER_SIZE_USD")
	setFloat64(&cfg.Limits.MaxTotalExposureUSD, "ARBENGINE_MAX_TOTAL_EXPOSURE_USD")
	setFloat64(&cfg.Limits.MaxPositionUSD, "ARBENGINE_MAX_POSITION_USD")
	setFloat64(&cfg.Limits.MaxDailyVolumeUSD, "ARBENGINE_MAX_DAILY_VOLUME_USD")
	setInt(&cfg.Limits.MaxOpenOrdersPerVenue, "ARBENGINE_MAX_OPEN_ORDERS_PER_VENUE")
	setFloat64(&cfg.Limits.MinLiquidity, "ARBENGINE_MIN_LIQUIDITY")
	setFloat64(&cfg.Limits.MaxSpread, "ARBENGINE_MAX_SPREAD")
	setFloat64(&cfg.Limits.MaxSlippagePct, "ARBENGINE_MAX_SLIPPAGE_PCT")

	// ── Scanner ──
	setBool(&cfg.Scanner.Enabled, "ARBENGINE_SCANNER_ENABLED")
	setDuration(&cfg.Scanner.Interval, "ARBENGINE_SCANNER_INTERVAL")
	setFloat64(&cfg.Scanner.Hurdle, "ARBENGINE_SCANNER_HURDLE")
	setStr(&cfg.Scanner.ExecutionMode, "ARBENGINE_SCANNER_EXECUTION_MODE")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "ARBENGINE_FEED_SOURCE")
	setDuration(&cfg.Feed.PollInterval, "ARBENGINE_FEED_POLL_INTERVAL")
	setBool(&cfg.Feed.Stream, "ARBENGINE_FEED_STREAM")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "ARBENGINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ARBENGINE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBENGINE_NOTIFY_EVENTS")
	setStr(&cfg.Notify.MinLevel, "ARBENGINE_NOTIFY_MIN_LEVEL")
}

// ── Helpers ──

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
