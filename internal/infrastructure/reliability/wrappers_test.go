package reliability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/pkg/circuitbreaker"
	"meshcast/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) Create(ctx context.Context, s *domain.BroadcastSession) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.BroadcastSession, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*domain.BroadcastSession)
	return s, args.Error(1)
}

func (m *mockRepository) Update(ctx context.Context, s *domain.BroadcastSession) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockRepository) ListLive(ctx context.Context) ([]*domain.BroadcastSession, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).([]*domain.BroadcastSession)
	return s, args.Error(1)
}

func fastRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestSessionRepositoryWrapper_RetriesTransientErrors(t *testing.T) {
	repo := &mockRepository{}
	w := NewSessionRepositoryWrapper(repo, fastRetry(), circuitbreaker.DefaultConfig(), zaptest.NewLogger(t).Sugar())

	session := &domain.BroadcastSession{ID: "s1"}
	repo.On("Update", mock.Anything, session).Return(errors.New("connection reset")).Once()
	repo.On("Update", mock.Anything, session).Return(nil).Once()

	require.NoError(t, w.Update(context.Background(), session))
	repo.AssertNumberOfCalls(t, "Update", 2)
}

func TestSessionRepositoryWrapper_NotFoundIsFinal(t *testing.T) {
	repo := &mockRepository{}
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = 1
	w := NewSessionRepositoryWrapper(repo, fastRetry(), cb, zaptest.NewLogger(t).Sugar())

	repo.On("GetByID", mock.Anything, domain.SessionID("missing")).Return(nil, domain.ErrSessionNotFound)

	_, err := w.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	repo.AssertNumberOfCalls(t, "GetByID", 1)
	assert.Equal(t, circuitbreaker.StateClosed, w.CircuitState())
}

func TestSessionRepositoryWrapper_OpensCircuit(t *testing.T) {
	repo := &mockRepository{}
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = 2
	cb.Timeout = time.Hour
	w := NewSessionRepositoryWrapper(repo, fastRetry(), cb, zaptest.NewLogger(t).Sugar())

	repo.On("ListLive", mock.Anything).Return(nil, errors.New("down"))

	_, err := w.ListLive(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateOpen, w.CircuitState())
	repo.AssertNumberOfCalls(t, "ListLive", 2)
}

type flakyStorage struct {
	failures int
	saved    []string
}

func (s *flakyStorage) Save(_ context.Context, _ string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.failures > 0 {
		s.failures--
		return errors.New("timeout")
	}
	s.saved = append(s.saved, string(data))
	return nil
}

func (s *flakyStorage) URL(_ context.Context, name string) (string, error) {
	return "https://cdn.example.com/" + name, nil
}

func TestStorageWrapper_RewindsBetweenAttempts(t *testing.T) {
	storage := &flakyStorage{failures: 1}
	w := NewStorageWrapper(storage, fastRetry(), circuitbreaker.DefaultConfig(), zaptest.NewLogger(t).Sugar())

	require.NoError(t, w.Save(context.Background(), "a.ivf", bytes.NewReader([]byte("DKIF"))))
	assert.Equal(t, []string{"DKIF"}, storage.saved)

	url, err := w.URL(context.Background(), "a.ivf")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.ivf", url)
}

func TestStorageWrapper_UnseekableReaderNotRetried(t *testing.T) {
	storage := &flakyStorage{failures: 1}
	w := NewStorageWrapper(storage, fastRetry(), circuitbreaker.DefaultConfig(), zaptest.NewLogger(t).Sugar())

	err := w.Save(context.Background(), "a.ivf", io.MultiReader(strings.NewReader("DKIF")))
	assert.Error(t, err)
	assert.Empty(t, storage.saved)
}
