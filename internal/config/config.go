// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBENGINE_* environment variables.
type Config struct {
	Kalshi     KalshiConfig     `toml:"kalshi"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Wallet     WalletConfig     `toml:"wallet"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Engine     EngineConfig     `toml:"engine"`
	Limits     LimitsConfig     `toml:"limits"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Feed       FeedConfig       `toml:"feed"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

const kalshiDemoBaseURL = "https://demo-api.kalshi.co/trade-api/v2"
const kalshiDemoWsURL = "wss://demo-api.kalshi.co/trade-api/ws/v2"

// KalshiConfig holds Kalshi exchange API credentials and endpoints.
type KalshiConfig struct {
	Enabled           bool      `toml:"enabled"`
	ApiKey            string    `toml:"api_key"`
	RsaPrivateKey     string    `toml:"rsa_private_key"`
	RsaPrivateKeyPath string    `toml:"rsa_private_key_path"`
	RsaKeyPassword    string    `toml:"rsa_key_password"`
	BaseURL           string    `toml:"base_url"`
	WsURL             string    `toml:"ws_url"`
	Demo              bool      `toml:"demo"`
	RateLimit         int       `toml:"rate_limit"`
	RateWindow        duration  `toml:"rate_window"`
	Fee               FeeConfig `toml:"fee"`
}

// Endpoints returns the REST and WebSocket URLs, switched to the demo
// environment when Demo is set.
func (k KalshiConfig) Endpoints() (rest, ws string) {
	if k.Demo {
		return kalshiDemoBaseURL, kalshiDemoWsURL
	}
	return k.BaseURL, k.WsURL
}

// PolymarketConfig holds Polymarket API endpoints, chain parameters and the
// derived CLOB API credentials.
type PolymarketConfig struct {
	Enabled       bool      `toml:"enabled"`
	ClobHost      string    `toml:"clob_host"`
	GammaHost     string    `toml:"gamma_host"`
	WsHost        string    `toml:"ws_host"`
	ChainID       int       `toml:"chain_id"`
	SignatureType int       `toml:"signature_type"`
	ApiKey        string    `toml:"api_key"`
	ApiSecret     string    `toml:"api_secret"`
	ApiPassphrase string    `toml:"api_passphrase"`
	RateLimit     int       `toml:"rate_limit"`
	RateWindow    duration  `toml:"rate_window"`
	Fee           FeeConfig `toml:"fee"`
}

// WalletConfig holds the Polygon signing key used for Polymarket orders.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	FunderAddress    string `toml:"funder_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// FeeConfig is a declarative venue fee curve.
type FeeConfig struct {
	Kind        string  `toml:"kind"` // zero, variance, flat, tiered
	Rate        float64 `toml:"rate"`
	PerContract bool    `toml:"per_contract"`
	Flat        float64 `toml:"flat"`
	Threshold   float64 `toml:"threshold"`
	AboveRate   float64 `toml:"above_rate"`
	TakerOnly   bool    `toml:"taker_only"`
}

// StoreConfig selects the strategy persistence backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // postgres, redis, memory
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis; books, locks and events then stay in process.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls how settled strategies move to object storage.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Retention duration `toml:"retention"`
	Interval  duration `toml:"interval"`
}

// EngineConfig holds execution deadlines and unwind policy.
type EngineConfig struct {
	AutoExecute       bool     `toml:"auto_execute"`
	StrictDeadline    duration `toml:"strict_deadline"`
	TolerantDeadline  duration `toml:"tolerant_deadline"`
	LeggedLegDeadline duration `toml:"legged_leg_deadline"`
	UnwindDeadline    duration `toml:"unwind_deadline"`
	UnwindSlippage    float64  `toml:"unwind_slippage"`
	MaxSlippagePct    float64  `toml:"max_slippage_pct"`
	DriftInterval     duration `toml:"drift_interval"`
	ExitInterval      duration `toml:"exit_interval"`
	LockTTL           duration `toml:"lock_ttl"`
	CallTimeout       duration `toml:"call_timeout"`
	CancelTimeout     duration `toml:"cancel_timeout"`
	FlushInterval     duration `toml:"flush_interval"`
	// TerminalRetention is how long settled strategies stay in the hot cache.
	TerminalRetention duration `toml:"terminal_retention"`
}

// LimitsConfig holds the global safety limits checked at admission.
type LimitsConfig struct {
	MaxOrderSizeUSD       float64 `toml:"max_order_size_usd"`
	MaxTotalExposureUSD   float64 `toml:"max_total_exposure_usd"`
	MaxPositionUSD        float64 `toml:"max_position_usd"`
	MaxDailyVolumeUSD     float64 `toml:"max_daily_volume_usd"`
	MaxOpenOrdersPerVenue int     `toml:"max_open_orders_per_venue"`
	MinLiquidity          float64 `toml:"min_liquidity"`
	MaxSpread             float64 `toml:"max_spread"`
	MaxSlippagePct        float64 `toml:"max_slippage_pct"`
}

// ScannerConfig holds the opportunity scan loop parameters and the template
// applied to proposed strategies.
type ScannerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Interval        duration `toml:"interval"`
	Cooldown        duration `toml:"cooldown"`
	AlertCooldown   duration `toml:"alert_cooldown"`
	Hurdle          float64  `toml:"hurdle"`
	MinLegLiquidity float64  `toml:"min_leg_liquidity"`
	SlippageBand    float64  `toml:"slippage_band"`
	SizingKind      string   `toml:"sizing_kind"` // fixed_usd, fixed_contracts
	SizingAmount    float64  `toml:"sizing_amount"`
	StrategyType    string   `toml:"strategy_type"`
	ExecutionMode   string   `toml:"execution_mode"`
	MaxLossUSD      float64  `toml:"max_loss_usd"`
}

// FeedConfig controls how books reach the quote cache. Source "poll" fetches
// from the venues, "bus" consumes books another instance publishes over
// Redis, and "none" reads whatever the shared cache holds.
type FeedConfig struct {
	Source        string   `toml:"source"`
	PollInterval  duration `toml:"poll_interval"`
	Stream        bool     `toml:"stream"`
	StreamRefresh duration `toml:"stream_refresh"`
	BookTTL       duration `toml:"book_ttl"`
}

// duration wraps time.Duration so it can be decoded from a TOML string.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	ApiKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	MinLevel          string   `toml:"min_level"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Kalshi: KalshiConfig{
			Enabled:    true,
			BaseURL:    "https://api.elections.kalshi.com/trade-api/v2",
			WsURL:      "wss://api.elections.kalshi.com/trade-api/ws/v2",
			RateLimit:  10,
			RateWindow: duration{time.Second},
			Fee: FeeConfig{
				Kind:        "variance",
				Rate:        0.07,
				PerContract: true,
				TakerOnly:   true,
			},
		},
		Polymarket: PolymarketConfig{
			Enabled:       true,
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 0,
			RateLimit:     10,
			RateWindow:    duration{time.Second},
			Fee:           FeeConfig{Kind: "zero"},
		},
		Store: StoreConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbengine",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Retention: duration{30 * 24 * time.Hour},
			Interval:  duration{24 * time.Hour},
		},
		Engine: EngineConfig{
			AutoExecute:       false,
			StrictDeadline:    duration{5 * time.Second},
			TolerantDeadline:  duration{30 * time.Second},
			LeggedLegDeadline: duration{30 * time.Second},
			UnwindDeadline:    duration{30 * time.Second},
			UnwindSlippage:    0.05,
			MaxSlippagePct:    2,
			DriftInterval:     duration{500 * time.Millisecond},
			ExitInterval:      duration{5 * time.Second},
			LockTTL:           duration{5 * time.Minute},
			CallTimeout:       duration{2 * time.Second},
			CancelTimeout:     duration{5 * time.Second},
			FlushInterval:     duration{5 * time.Second},
			TerminalRetention: duration{time.Hour},
		},
		Limits: LimitsConfig{
			MaxOrderSizeUSD:       100,
			MaxTotalExposureUSD:   1000,
			MaxPositionUSD:        250,
			MaxDailyVolumeUSD:     5000,
			MaxOpenOrdersPerVenue: 20,
			MinLiquidity:          10,
			MaxSpread:             0.10,
			MaxSlippagePct:        2,
		},
		Scanner: ScannerConfig{
			Enabled:         true,
			Interval:        duration{5 * time.Second},
			Cooldown:        duration{time.Minute},
			AlertCooldown:   duration{10 * time.Minute},
			Hurdle:          0.01,
			MinLegLiquidity: 10,
			SlippageBand:    0.02,
			SizingKind:      "fixed_usd",
			SizingAmount:    50,
			StrategyType:    "price_discrepancy",
			ExecutionMode:   "STRICT",
			MaxLossUSD:      25,
		},
		Feed: FeedConfig{
			Source:        "poll",
			PollInterval:  duration{2 * time.Second},
			Stream:        false,
			StreamRefresh: duration{time.Minute},
			BookTTL:       duration{30 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"decision_required", "strategy_partial", "unwind_failed", "spread_alert", "persistence_degraded"},
			MinLevel: "warning",
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper": true,
	"live":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"postgres": true,
	"redis":    true,
	"memory":   true,
}

var validFeeKinds = map[string]bool{
	"":         true,
	"zero":     true,
	"variance": true,
	"flat":     true,
	"tiered":   true,
}

var validExecutionModes = map[string]bool{
	"STRICT":   true,
	"TOLERANT": true,
	"LEGGED":   true,
	"MANUAL":   true,
}

var validAlertLevels = map[string]bool{
	"":         true,
	"info":     true,
	"warning":  true,
	"critical": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	live := strings.ToLower(c.Mode) == "live"

	if !c.Kalshi.Enabled && !c.Polymarket.Enabled {
		errs = append(errs, "at least one of kalshi.enabled or polymarket.enabled must be set")
	}

	// Kalshi
	if c.Kalshi.Enabled {
		rest, ws := c.Kalshi.Endpoints()
		if rest == "" {
			errs = append(errs, "kalshi: base_url must not be empty")
		}
		if live {
			if c.Kalshi.ApiKey == "" {
				errs = append(errs, "kalshi: api_key is required for live mode")
			}
			if c.Kalshi.RsaPrivateKey == "" && c.Kalshi.RsaPrivateKeyPath == "" {
				errs = append(errs, "kalshi: rsa_private_key or rsa_private_key_path is required for live mode")
			}
			if ws == "" {
				errs = append(errs, "kalshi: ws_url must not be empty for live mode")
			}
		}
		errs = append(errs, validateFee("kalshi", c.Kalshi.Fee)...)
		errs = append(errs, validateRate("kalshi", c.Kalshi.RateLimit, c.Kalshi.RateWindow)...)
	}

	// Polymarket
	if c.Polymarket.Enabled {
		if c.Polymarket.ClobHost == "" {
			errs = append(errs, "polymarket: clob_host must not be empty")
		}
		if c.Polymarket.ChainID <= 0 {
			errs = append(errs, "polymarket: chain_id must be positive")
		}
		switch c.Polymarket.SignatureType {
		case 0:
		case 1, 2:
			if c.Wallet.FunderAddress == "" {
				errs = append(errs, "wallet: funder_address is required for signature_type 1 or 2")
			}
		default:
			errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
		}
		// API credentials must be set together, or all empty.
		bk := c.Polymarket.ApiKey != ""
		bs := c.Polymarket.ApiSecret != ""
		bp := c.Polymarket.ApiPassphrase != ""
		if (bk || bs || bp) && !(bk && bs && bp) {
			errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
		}
		if live {
			if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
				errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for live mode")
			}
		}
		if c.Feed.Stream && c.Polymarket.WsHost == "" {
			errs = append(errs, "polymarket: ws_host must not be empty when feed.stream is set")
		}
		errs = append(errs, validateFee("polymarket", c.Polymarket.Fee)...)
		errs = append(errs, validateRate("polymarket", c.Polymarket.RateLimit, c.Polymarket.RateWindow)...)
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Store
	backend := strings.ToLower(c.Store.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: postgres, redis, memory)", c.Store.Backend))
	}
	if backend == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when store.backend is redis")
	}
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Engine
	if c.Engine.UnwindSlippage < 0 || c.Engine.UnwindSlippage >= 1 {
		errs = append(errs, fmt.Sprintf("engine: unwind_slippage must be in [0,1), got %g", c.Engine.UnwindSlippage))
	}
	if c.Engine.MaxSlippagePct < 0 {
		errs = append(errs, "engine: max_slippage_pct must be >= 0")
	}

	// Limits
	if c.Limits.MaxOrderSizeUSD <= 0 {
		errs = append(errs, "limits: max_order_size_usd must be > 0")
	}
	if c.Limits.MaxTotalExposureUSD <= 0 {
		errs = append(errs, "limits: max_total_exposure_usd must be > 0")
	}
	if c.Limits.MaxPositionUSD > c.Limits.MaxTotalExposureUSD {
		errs = append(errs, "limits: max_position_usd must not exceed max_total_exposure_usd")
	}
	if c.Limits.MaxDailyVolumeUSD < 0 {
		errs = append(errs, "limits: max_daily_volume_usd must be >= 0")
	}
	if c.Limits.MaxOpenOrdersPerVenue < 0 {
		errs = append(errs, "limits: max_open_orders_per_venue must be >= 0")
	}

	// Scanner
	if c.Scanner.Enabled {
		if c.Scanner.Interval.Duration <= 0 {
			errs = append(errs, "scanner: interval must be > 0")
		}
		if c.Scanner.SizingKind != "fixed_usd" && c.Scanner.SizingKind != "fixed_contracts" {
			errs = append(errs, fmt.Sprintf("scanner: sizing_kind must be fixed_usd or fixed_contracts, got %q", c.Scanner.SizingKind))
		}
		if c.Scanner.SizingAmount <= 0 {
			errs = append(errs, "scanner: sizing_amount must be > 0")
		}
		if !validExecutionModes[strings.ToUpper(c.Scanner.ExecutionMode)] {
			errs = append(errs, fmt.Sprintf("scanner: unknown execution_mode %q", c.Scanner.ExecutionMode))
		}
		if c.Scanner.Hurdle < 0 {
			errs = append(errs, "scanner: hurdle must be >= 0")
		}
	}

	// Feed
	switch strings.ToLower(c.Feed.Source) {
	case "poll":
		if c.Feed.PollInterval.Duration <= 0 {
			errs = append(errs, "feed: poll_interval must be > 0")
		}
	case "bus":
		if c.Redis.Addr == "" {
			errs = append(errs, "feed: source bus requires redis.addr")
		}
	case "none":
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: poll, bus, none)", c.Feed.Source))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if live && c.Server.ApiKey == "" {
			errs = append(errs, "server: api_key is required for live mode")
		}
	}

	// Notify
	if !validAlertLevels[strings.ToLower(c.Notify.MinLevel)] {
		errs = append(errs, fmt.Sprintf("notify: unknown min_level %q (valid: info, warning, critical)", c.Notify.MinLevel))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateFee(venue string, f FeeConfig) []string {
	var errs []string
	if !validFeeKinds[strings.ToLower(f.Kind)] {
		errs = append(errs, fmt.Sprintf("%s: unknown fee kind %q (valid: zero, variance, flat, tiered)", venue, f.Kind))
	}
	if f.Rate < 0 || f.AboveRate < 0 || f.Flat < 0 {
		errs = append(errs, venue+": fee rates must be >= 0")
	}
	if strings.ToLower(f.Kind) == "tiered" && f.Threshold <= 0 {
		errs = append(errs, venue+": fee threshold must be > 0 for tiered fees")
	}
	return errs
}

func validateRate(venue string, limit int, window duration) []string {
	if limit < 0 {
		return []string{venue + ": rate_limit must be >= 0"}
	}
	if limit > 0 && window.Duration <= 0 {
		return []string{venue + ": rate_window must be > 0 when rate_limit is set"}
	}
	return nil
}
