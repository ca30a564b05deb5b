package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/arbengine/internal/blob/s3"
	"github.com/alanyoungcy/arbengine/internal/cache/redis"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/store/memory"
	"github.com/alanyoungcy/arbengine/internal/store/postgres"
)

// StrategyBackend is what the engine needs from the strategy store: the
// lifecycle's persistence plus the archiver's bulk delete.
type StrategyBackend interface {
	domain.StrategyStore
	Delete(ctx context.Context, ids ...string) (int64, error)
}

// Dependencies bundles the infrastructure the engine runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
// Redis-backed members are nil when Redis is not configured.
type Dependencies struct {
	// Stores
	Strategies StrategyBackend
	Pairs      domain.PairStore
	Audit      domain.AuditStore

	// Caches
	Books       domain.BookCache
	Bus         domain.SignalBus
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	Events      *redis.EventPublisher

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Health probes by dependency name, served on /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}
	backend := strings.ToLower(cfg.Store.Backend)

	// --- Redis (optional; required by the redis backend and bus feed) ---
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		redisClient = rc
		closers = append(closers, func() { _ = rc.Close() })

		deps.Bus = redis.NewSignalBus(rc)
		deps.Locks = redis.NewLockManager(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Events = redis.NewEventPublisher(deps.Bus, logger)
		deps.Checks["redis"] = rc.Ping
	}

	// Books: shared in Redis unless this instance consumes the bus into a
	// local cache.
	if redisClient != nil && strings.ToLower(cfg.Feed.Source) != "bus" {
		deps.Books = redis.NewBookCache(redisClient, cfg.Feed.BookTTL.Duration)
	} else {
		deps.Books = memory.NewBookCache()
	}

	// --- Strategy, pair and audit stores ---
	switch backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Strategies = postgres.NewStrategyStore(pool)
		deps.Pairs = postgres.NewPairStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping

	case "redis":
		if redisClient == nil {
			cleanup()
			return nil, nil, errors.New("wire: store backend redis requires redis.addr")
		}
		// Strategies live in Redis; pairs and audit have no Redis schema and
		// stay in process.
		deps.Strategies = redis.NewStrategyStore(redisClient)
		deps.Pairs = memory.NewPairStore()
		deps.Audit = memory.NewAuditStore()

	default:
		deps.Strategies = memory.NewStrategyStore()
		deps.Pairs = memory.NewPairStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.Strategies, deps.Audit)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	deps.Notifier = buildNotifier(cfg.Notify, logger)
	closers = append(closers, deps.Notifier.Close)

	return deps, cleanup, nil
}

// buildNotifier creates a notifier with every configured sender. With no
// senders it still logs alerts.
func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Events, domain.AlertLevel(strings.ToLower(cfg.MinLevel)), logger)
}
