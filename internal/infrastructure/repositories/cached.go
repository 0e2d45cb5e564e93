package repositories

import (
	"context"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/cache"
)

const liveKey = "sessions:live"

// CachedSessionRepository serves reads from a short-lived cache and
// invalidates it on every write.
type CachedSessionRepository struct {
	base     ports.SessionRepository
	sessions *cache.Cache[*domain.BroadcastSession]
	live     *cache.Cache[[]*domain.BroadcastSession]
}

var _ ports.SessionRepository = (*CachedSessionRepository)(nil)

// NewCachedSessionRepository returns base unchanged when ttl is zero.
func NewCachedSessionRepository(base ports.SessionRepository, ttl time.Duration) ports.SessionRepository {
	if ttl <= 0 {
		return base
	}
	return &CachedSessionRepository{
		base:     base,
		sessions: cache.New[*domain.BroadcastSession](ttl),
		live:     cache.New[[]*domain.BroadcastSession](ttl),
	}
}

func (r *CachedSessionRepository) Create(ctx context.Context, session *domain.BroadcastSession) error {
	if err := r.base.Create(ctx, session); err != nil {
		return err
	}
	r.live.Delete(liveKey)
	return nil
}

func (r *CachedSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.BroadcastSession, error) {
	return r.sessions.GetOrLoad(ctx, string(id), func(ctx context.Context) (*domain.BroadcastSession, error) {
		return r.base.GetByID(ctx, id)
	})
}

func (r *CachedSessionRepository) Update(ctx context.Context, session *domain.BroadcastSession) error {
	err := r.base.Update(ctx, session)
	r.sessions.Delete(string(session.ID))
	r.live.Delete(liveKey)
	return err
}

func (r *CachedSessionRepository) ListLive(ctx context.Context) ([]*domain.BroadcastSession, error) {
	return r.live.GetOrLoad(ctx, liveKey, r.base.ListLive)
}

// Close stops the cache sweepers.
func (r *CachedSessionRepository) Close() {
	r.sessions.Stop()
	r.live.Stop()
}
