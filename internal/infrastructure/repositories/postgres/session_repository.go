package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/tracing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS broadcast_sessions (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	tags          TEXT[] NOT NULL DEFAULT '{}',
	quality       TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ,
	recording_url TEXT NOT NULL DEFAULT '',
	recorded_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS broadcast_sessions_live_idx
	ON broadcast_sessions (started_at DESC) WHERE status = 'live';
`

const selectColumns = `id, title, description, tags, quality, status, started_at, ended_at, recording_url, recorded_at`

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// PostgresSessionRepository persists sessions in the broadcast_sessions table.
type PostgresSessionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, dsn string, maxConns int32, logger *zap.SugaredLogger) (*PostgresSessionRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(pingCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Infow("connected to Postgres", "max_conns", cfg.MaxConns)
	return &PostgresSessionRepository{pool: pool, logger: logger}, nil
}

var _ ports.SessionRepository = (*PostgresSessionRepository)(nil)

func (r *PostgresSessionRepository) Create(ctx context.Context, s *domain.BroadcastSession) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "insert", "broadcast_sessions")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
INSERT INTO broadcast_sessions (`+selectColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, string(s.ID), s.Title, s.Description, tags(s.Tags), string(s.QualityTier), string(s.Status),
		s.StartedAt.UTC(), utc(s.EndedAt), s.RecordingURL, utc(s.RecordedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("session already exists: %s", s.ID)
		}
		tracing.RecordError(ctx, err)
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.BroadcastSession, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", "broadcast_sessions")
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM broadcast_sessions WHERE id = $1`, string(id))
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("select session: %w", err)
	}
	return session, nil
}

func (r *PostgresSessionRepository) Update(ctx context.Context, s *domain.BroadcastSession) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "update", "broadcast_sessions")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
UPDATE broadcast_sessions
SET title = $2, description = $3, tags = $4, quality = $5, status = $6,
	started_at = $7, ended_at = $8, recording_url = $9, recorded_at = $10
WHERE id = $1
`, string(s.ID), s.Title, s.Description, tags(s.Tags), string(s.QualityTier), string(s.Status),
		s.StartedAt.UTC(), utc(s.EndedAt), s.RecordingURL, utc(s.RecordedAt))
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// ListLive returns live sessions, most recently started first.
func (r *PostgresSessionRepository) ListLive(ctx context.Context) ([]*domain.BroadcastSession, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", "broadcast_sessions")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
SELECT `+selectColumns+`
FROM broadcast_sessions
WHERE status = $1
ORDER BY started_at DESC
`, string(domain.SessionLive))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.BroadcastSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Ping checks the pool.
func (r *PostgresSessionRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx is done.
func (r *PostgresSessionRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanSession(row pgx.Row) (*domain.BroadcastSession, error) {
	var (
		s                  domain.BroadcastSession
		id, quality, state string
	)
	err := row.Scan(&id, &s.Title, &s.Description, &s.Tags, &quality, &state,
		&s.StartedAt, &s.EndedAt, &s.RecordingURL, &s.RecordedAt)
	if err != nil {
		return nil, err
	}
	s.ID = domain.SessionID(id)
	s.QualityTier = domain.QualityTier(quality)
	s.Status = domain.SessionStatus(state)
	if len(s.Tags) == 0 {
		s.Tags = nil
	}
	return &s, nil
}

func tags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
