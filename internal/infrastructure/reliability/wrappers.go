package reliability

import (
	"context"
	"fmt"
	"io"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/circuitbreaker"
	"meshcast/pkg/retry"

	"go.uber.org/zap"
)

// SessionRepositoryWrapper wraps a SessionRepository with retry logic and a
// circuit breaker. Not-found answers neither retry nor trip the breaker.
type SessionRepositoryWrapper struct {
	repo           ports.SessionRepository
	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.SugaredLogger
}

func NewSessionRepositoryWrapper(
	repo ports.SessionRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *SessionRepositoryWrapper {
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, domain.ErrSessionNotFound, circuitbreaker.ErrOpen)
	cbConfig.IgnoredErrors = append(cbConfig.IgnoredErrors, domain.ErrSessionNotFound)

	return &SessionRepositoryWrapper{
		repo:           repo,
		retryConfig:    retryConfig,
		circuitBreaker: newBreaker("session_repository", cbConfig, logger),
		logger:         logger,
	}
}

var _ ports.SessionRepository = (*SessionRepositoryWrapper)(nil)

func newBreaker(name string, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *circuitbreaker.CircuitBreaker {
	cb := circuitbreaker.New(cfg)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("circuit breaker state changed",
			"dependency", name,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return cb
}

func (w *SessionRepositoryWrapper) do(ctx context.Context, fn func() error) error {
	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, fn)
	})
}

func (w *SessionRepositoryWrapper) Create(ctx context.Context, session *domain.BroadcastSession) error {
	return w.do(ctx, func() error {
		return w.repo.Create(ctx, session)
	})
}

func (w *SessionRepositoryWrapper) GetByID(ctx context.Context, id domain.SessionID) (*domain.BroadcastSession, error) {
	return retry.RetryWithResult(ctx, w.retryConfig, func() (*domain.BroadcastSession, error) {
		return circuitbreaker.ExecuteWithResult(ctx, w.circuitBreaker, func() (*domain.BroadcastSession, error) {
			return w.repo.GetByID(ctx, id)
		})
	})
}

func (w *SessionRepositoryWrapper) Update(ctx context.Context, session *domain.BroadcastSession) error {
	return w.do(ctx, func() error {
		return w.repo.Update(ctx, session)
	})
}

func (w *SessionRepositoryWrapper) ListLive(ctx context.Context) ([]*domain.BroadcastSession, error) {
	return retry.RetryWithResult(ctx, w.retryConfig, func() ([]*domain.BroadcastSession, error) {
		return circuitbreaker.ExecuteWithResult(ctx, w.circuitBreaker, func() ([]*domain.BroadcastSession, error) {
			return w.repo.ListLive(ctx)
		})
	})
}

// CircuitState returns the breaker state for health reporting.
func (w *SessionRepositoryWrapper) CircuitState() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}

// StorageWrapper retries asset uploads. A Save is only retried when its
// reader can be rewound.
type StorageWrapper struct {
	storage        ports.AssetStorage
	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewStorageWrapper(
	storage ports.AssetStorage,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *StorageWrapper {
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, domain.ErrAssetExists, circuitbreaker.ErrOpen)
	cbConfig.IgnoredErrors = append(cbConfig.IgnoredErrors, domain.ErrAssetExists)

	return &StorageWrapper{
		storage:        storage,
		retryConfig:    retryConfig,
		circuitBreaker: newBreaker("asset_storage", cbConfig, logger),
	}
}

var _ ports.AssetStorage = (*StorageWrapper)(nil)

func (w *StorageWrapper) Save(ctx context.Context, name string, r io.Reader) error {
	seeker, ok := r.(io.Seeker)
	if !ok {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.storage.Save(ctx, name, r)
		})
	}

	return retry.Retry(ctx, w.retryConfig, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind %s: %w", name, err)
		}
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.storage.Save(ctx, name, r)
		})
	})
}

func (w *StorageWrapper) URL(ctx context.Context, name string) (string, error) {
	return w.storage.URL(ctx, name)
}
