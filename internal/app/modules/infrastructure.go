package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"

	"carelink.io/carelink/internal/audit"
	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/infrastructure"
	"carelink.io/carelink/internal/jobs"
	"carelink.io/carelink/internal/pkg/worker"
	"carelink.io/carelink/internal/platform/cache"
	"carelink.io/carelink/internal/platform/circuit"
	"carelink.io/carelink/internal/platform/lock"
	"carelink.io/carelink/internal/platform/metrics"
	"carelink.io/carelink/internal/platform/ratelimit"
	"carelink.io/carelink/internal/storage"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config      *config.Config
	DB          *infrastructure.DatabaseClients
	Pools       *worker.Pools
	Pool        *pgxpool.Pool
	Redis       *goredis.Client
	RiverClient *river.Client[pgx.Tx]
	Enqueuer    *jobs.Enqueuer

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Breakers *circuit.Registry
	Events   *domain.EventDispatcher
	Audit    *audit.Service

	Locks   lock.Locker
	Limiter ratelimit.Limiter
	Cache   cache.Cache

	Enrollments storage.EnrollmentStore
	Documents   storage.DocumentStore
	Records     storage.HealthRecordStore
	Subs        storage.SubscriptionStore
	Attempts    storage.DeliveryAttemptStore
	AuditStore  storage.AuditStore
}

// NewInfrastructure initializes the database, queue plumbing, platform
// primitives, and shared services.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	// Dev-mode: auto-create application tables + River queue tables.
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:  cfg.Worker.GeneralPoolSize,
		DeliveryPoolSize: cfg.Worker.DeliveryPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	redisClient, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	// Locks, rate limiting, and the EMR read cache ride Redis when it is
	// configured; single-node deployments fall back to in-memory.
	var (
		locks   lock.Locker
		limiter ratelimit.Limiter
		reads   cache.Cache
	)
	rateCfg := ratelimit.Config{Limit: cfg.OCR.RatePerMinute, Window: ratelimit.DefaultConfig().Window}
	if redisClient != nil {
		locks = lock.NewRedisLocker(redisClient)
		limiter = ratelimit.NewRedisLimiter(redisClient, rateCfg)
		reads = cache.NewRedisCache(redisClient, "carelink")
	} else {
		locks = lock.NewMemoryLocker()
		limiter = ratelimit.NewMemoryLimiter(rateCfg)
		reads = cache.NewMemoryCache()
	}

	registry := prometheus.NewRegistry()

	return &Infrastructure{
		Config:      cfg,
		DB:          db,
		Pools:       pools,
		Pool:        db.Pool,
		Redis:       redisClient,
		Enqueuer:    jobs.NewEnqueuer(nil),
		Registry:    registry,
		Metrics:     metrics.New(registry),
		Breakers:    circuit.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown),
		Events:      domain.NewEventDispatcher(),
		Audit:       audit.NewService(storage.NewPostgresAuditStore(db.Pool)),
		Locks:       locks,
		Limiter:     limiter,
		Cache:       reads,
		Enrollments: storage.NewPostgresEnrollmentStore(db.Pool),
		Documents:   storage.NewPostgresDocumentStore(db.Pool),
		Records:     storage.NewPostgresHealthRecordStore(db.Pool),
		Subs:        storage.NewPostgresSubscriptionStore(db.Pool),
		Attempts:    storage.NewPostgresDeliveryAttemptStore(db.Pool),
		AuditStore:  storage.NewPostgresAuditStore(db.Pool),
	}, nil
}

// InitRiver initializes the River client on top of a prepared worker
// registry and binds the enqueuer to it.
func (i *Infrastructure) InitRiver(workers *river.Workers) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	i.Enqueuer.Bind(i.RiverClient)
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
