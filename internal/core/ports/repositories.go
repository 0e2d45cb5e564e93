package ports

import (
	"context"
	"io"

	"meshcast/internal/core/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.BroadcastSession) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.BroadcastSession, error)
	Update(ctx context.Context, session *domain.BroadcastSession) error
	ListLive(ctx context.Context) ([]*domain.BroadcastSession, error)
}

// AssetStorage persists write-once recording assets.
type AssetStorage interface {
	Save(ctx context.Context, name string, r io.Reader) error
	URL(ctx context.Context, name string) (string, error)
}

// EventPublisher announces session events to external collaborators.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.SessionEvent) error
}

type NoopEventPublisher struct{}

func (NoopEventPublisher) Publish(context.Context, domain.SessionEvent) error { return nil }
