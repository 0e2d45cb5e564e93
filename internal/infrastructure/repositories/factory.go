package repositories

import (
	"context"
	"errors"

	"meshcast/internal/core/ports"
	"meshcast/internal/infrastructure/repositories/memory"
	pgrepo "meshcast/internal/infrastructure/repositories/postgres"
	redisrepo "meshcast/internal/infrastructure/repositories/redis"
	"meshcast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates the session repository for the configured
// store driver. An unreachable Redis falls back to memory; an unreachable
// Postgres is an error.
type RepositoryFactory struct {
	driver      string
	redisClient *redis.Client
	postgres    *pgrepo.PostgresSessionRepository
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects the backing stores named in cfg. Redis is
// also connected when events are enabled so the event bus can share it.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		driver: cfg.Store.Driver,
		logger: logger,
	}

	if cfg.Store.Driver == "postgres" {
		repo, err := pgrepo.Open(ctx, cfg.Store.Postgres.DSN, cfg.Store.Postgres.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		factory.postgres = repo
		logger.Info("using Postgres session repository")
	}

	if cfg.Store.Driver == "redis" || cfg.Events.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Migrate:  cfg.Store.Driver == "redis",
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			if factory.driver == "redis" {
				factory.driver = "memory"
			}
		} else {
			factory.redisClient = client
			if factory.driver == "redis" {
				logger.Info("using Redis session repository")
			}
		}
	}

	if factory.driver == "memory" {
		logger.Info("using memory session repository")
	}

	return factory, nil
}

// CreateSessionRepository returns the repository for the active driver.
func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	switch {
	case f.driver == "postgres" && f.postgres != nil:
		return f.postgres
	case f.driver == "redis" && f.redisClient != nil:
		return redisrepo.NewRedisSessionRepository(f.redisClient)
	default:
		return memory.NewMemorySessionRepository()
	}
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Driver reports the store actually in use after any fallback.
func (f *RepositoryFactory) Driver() string {
	return f.driver
}

// Close closes every connected store.
func (f *RepositoryFactory) Close(ctx context.Context) error {
	var errs []error
	if f.redisClient != nil {
		errs = append(errs, f.redisClient.Close())
	}
	if f.postgres != nil {
		errs = append(errs, f.postgres.Close(ctx))
	}
	return errors.Join(errs...)
}

// HealthCheck pings the connected stores.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	if f.postgres != nil {
		return f.postgres.Ping(ctx)
	}
	return nil
}
