package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "meshcast:session:"
	// liveSessionsKey is a sorted set of live session ids scored by start time.
	liveSessionsKey = "meshcast:sessions:live"
)

type RedisSessionRepository struct {
	client *redis.Client
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{client: client}
}

func sessionKey(id domain.SessionID) string {
	return sessionKeyPrefix + string(id)
}

func decodeSession(data []byte) (*domain.BroadcastSession, error) {
	var session domain.BroadcastSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.BroadcastSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := r.client.SetNX(ctx, sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	return r.index(ctx, session)
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.BroadcastSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}
	return decodeSession(data)
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.BroadcastSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// XX only overwrites an existing record
	updated, err := r.client.SetXX(ctx, sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}
	if !updated {
		return domain.ErrSessionNotFound
	}

	return r.index(ctx, session)
}

func (r *RedisSessionRepository) index(ctx context.Context, session *domain.BroadcastSession) error {
	if session.Status == domain.SessionLive {
		err := r.client.ZAdd(ctx, liveSessionsKey, redis.Z{
			Score:  float64(session.StartedAt.Unix()),
			Member: string(session.ID),
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to add session to live set: %w", err)
		}
		return nil
	}
	if err := r.client.ZRem(ctx, liveSessionsKey, string(session.ID)).Err(); err != nil {
		return fmt.Errorf("failed to remove session from live set: %w", err)
	}
	return nil
}

// ListLive returns live sessions, most recently started first.
func (r *RedisSessionRepository) ListLive(ctx context.Context) ([]*domain.BroadcastSession, error) {
	ids, err := r.client.ZRevRange(ctx, liveSessionsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get live sessions from Redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(domain.SessionID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load live sessions from Redis: %w", err)
	}

	sessions := make([]*domain.BroadcastSession, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index entry without a record
			continue
		}
		session, err := decodeSession([]byte(raw))
		if err != nil || session.Status != domain.SessionLive {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}
