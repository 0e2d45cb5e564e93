package bootstrap

import (
	"meshcast/internal/core/ports"
	"meshcast/internal/infrastructure/reliability"
	"meshcast/pkg/config"

	"go.uber.org/zap"
)

// WrapSessions adds retry and circuit breaking to a session repository.
func WrapSessions(repo ports.SessionRepository, cfg *config.Config, log *zap.SugaredLogger) ports.SessionRepository {
	return reliability.NewSessionRepositoryWrapper(repo, RetryConfig(cfg), BreakerConfig(cfg), log.Named("sessions"))
}

func newStorageWrapper(store ports.AssetStorage, cfg *config.Config, log *zap.SugaredLogger) ports.AssetStorage {
	return reliability.NewStorageWrapper(store, RetryConfig(cfg), BreakerConfig(cfg), log.Named("storage"))
}
