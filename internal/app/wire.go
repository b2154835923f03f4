package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/store/postgres"
	"github.com/alanyoungcy/perpbot/internal/venue"
)

// Dependencies bundles the infrastructure-level dependencies the engine
// needs: stores, caches, the venue client, and blob storage. It is
// constructed by Wire and torn down by the returned cleanup function.
// Engine components (registry, allocator, monitor, ...) are built on top of
// it by buildEngine.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore
	IntentStore   domain.IntentStore
	StateStore    domain.SystemStateStore
	ReportStore   domain.CycleReportStore

	// Caches and coordination
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	Cooldowns   domain.CooldownCache
	Signals     domain.SignalSource

	// Venue
	Venue *venue.Client

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver
}

// needsS3 returns true for modes that archive to cold storage.
func needsS3(mode string) bool {
	return mode == "trade"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.IntentStore = postgres.NewIntentStore(pool)
	deps.StateStore = postgres.NewSystemStateStore(pool)
	deps.ReportStore = postgres.NewCycleReportStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
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
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.Cooldowns = redis.NewCooldownCache(redisClient)
	deps.Signals = redis.NewSignalSource(redisClient, "", 2*cfg.Engine.TickInterval.Duration)

	// --- Venue REST client ---
	deps.Venue = venue.New(venue.Config{
		BaseURL:     cfg.Venue.BaseURL,
		APIKey:      cfg.Venue.ApiKey,
		APISecret:   cfg.Venue.ApiSecret,
		CallTimeout: cfg.Venue.CallTimeout.Duration,
		RateLimit:   cfg.Venue.CallsPerSecond,
		RateWindow:  time.Second,
	}, deps.RateLimiter, logger)

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg.Mode) && cfg.S3.Bucket != "" {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			postgres.NewCycleReportStore(pool),
			postgres.NewPositionStore(pool),
			cfg.Venue.Account,
			deps.AuditStore,
		)
	}

	return deps, cleanup, nil
}
