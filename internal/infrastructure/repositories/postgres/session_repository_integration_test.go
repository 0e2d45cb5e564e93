//go:build postgres

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"meshcast/internal/core/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestRepository(t *testing.T) *PostgresSessionRepository {
	t.Helper()
	dsn := os.Getenv("MESHCAST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MESHCAST_TEST_POSTGRES_DSN not set")
	}
	repo, err := Open(context.Background(), dsn, 2, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		repo.Close(ctx)
	})
	return repo
}

func TestPostgresSessionRepository_Lifecycle(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	session := &domain.BroadcastSession{
		ID:          domain.SessionID("test_" + uuid.NewString()),
		Title:       "postgres",
		Tags:        []string{"a", "b"},
		QualityTier: domain.QualityHigh,
		Status:      domain.SessionLive,
		StartedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, repo.Create(ctx, session))
	assert.Error(t, repo.Create(ctx, session))

	got, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Tags, got.Tags)
	assert.True(t, session.StartedAt.Equal(got.StartedAt))
	assert.Nil(t, got.EndedAt)

	live, err := repo.ListLive(ctx)
	require.NoError(t, err)
	found := false
	for _, s := range live {
		found = found || s.ID == session.ID
	}
	assert.True(t, found)

	ended := time.Now()
	got.Status = domain.SessionEnded
	got.EndedAt = &ended
	require.NoError(t, repo.Update(ctx, got))

	got, err = repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, got.Status)
	require.NotNil(t, got.EndedAt)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &domain.BroadcastSession{ID: "missing", StartedAt: time.Now()}), domain.ErrSessionNotFound)
}
