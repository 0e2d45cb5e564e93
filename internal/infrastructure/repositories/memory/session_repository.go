package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]*domain.BroadcastSession
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]*domain.BroadcastSession),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.BroadcastSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.BroadcastSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	return session.Clone(), nil
}

func (r *MemorySessionRepository) Update(ctx context.Context, session *domain.BroadcastSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; !exists {
		return domain.ErrSessionNotFound
	}

	r.sessions[session.ID] = session.Clone()
	return nil
}

// ListLive returns live sessions, most recently started first.
func (r *MemorySessionRepository) ListLive(ctx context.Context) ([]*domain.BroadcastSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []*domain.BroadcastSession
	for _, session := range r.sessions {
		if session.Status == domain.SessionLive {
			live = append(live, session.Clone())
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].StartedAt.After(live[j].StartedAt)
	})

	return live, nil
}
