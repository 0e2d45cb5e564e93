package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*PeerConnectionManager, *fakeTransportFactory, *errorSink) {
	t.Helper()
	factory := &fakeTransportFactory{}
	errs := &errorSink{}
	m := NewPeerConnectionManager(factory, &domain.Hooks{OnError: errs.record}, nil, zaptest.NewLogger(t).Sugar())
	m.Begin("session-1", newFakeStream("stream-1", domain.ConstraintProfile{Height: 720}))
	return m, factory, errs
}

func TestPeerConnectionManager_JoinAndLeave(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()

	for _, id := range []domain.ViewerID{"v1", "v2", "v3"} {
		require.NoError(t, m.AddViewer(ctx, id))
	}
	assert.Equal(t, 3, m.Count())

	assert.True(t, m.RemoveViewer("v2"))
	assert.Equal(t, 2, m.Count())
	assert.False(t, m.RemoveViewer("v2"))

	v2 := factory.For("v2")
	require.Len(t, v2, 1)
	assert.Equal(t, int32(1), v2[0].closes.Load())

	v2[0].cb.OnClosed()
	assert.Equal(t, int32(1), v2[0].closes.Load())
}

func TestPeerConnectionManager_CloseAllClosesEveryTransportOnce(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.AddViewer(ctx, domain.ViewerID(fmt.Sprintf("viewer-%02d", i))))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, m.CloseAll())
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.Viewers())

	opened := factory.Opened()
	require.Len(t, opened, n)
	for _, tr := range opened {
		assert.Equal(t, int32(1), tr.closes.Load(), "viewer %s", tr.viewerID)
	}

	assert.ErrorIs(t, m.AddViewer(ctx, "late"), domain.ErrNotLive)
}

func TestPeerConnectionManager_DuplicateJoinKeepsTransport(t *testing.T) {
	m, factory, _ := newTestManager(t)

	require.NoError(t, m.AddViewer(context.Background(), "v1"))
	require.NoError(t, m.AddViewer(context.Background(), "v1"))
	assert.Len(t, factory.Opened(), 1)
}

func TestPeerConnectionManager_StateTransitions(t *testing.T) {
	m, factory, _ := newTestManager(t)
	require.NoError(t, m.AddViewer(context.Background(), "v1"))

	viewers := m.Viewers()
	require.Len(t, viewers, 1)
	assert.Equal(t, domain.ViewerConnecting, viewers[0].State)

	factory.For("v1")[0].cb.OnEstablished()
	assert.Equal(t, domain.ViewerConnected, m.Viewers()[0].State)
}

func TestPeerConnectionManager_TransportErrorIsolated(t *testing.T) {
	m, factory, errs := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddViewer(ctx, "v1"))
	require.NoError(t, m.AddViewer(ctx, "v2"))

	failing := factory.For("v1")[0]
	failing.cb.OnError(errors.New("dtls handshake failed"))
	failing.cb.OnClosed()

	assert.Equal(t, 1, m.Count())
	assert.Equal(t, domain.ViewerID("v2"), m.Viewers()[0].ViewerID)
	assert.Equal(t, int32(1), failing.closes.Load())
	assert.Equal(t, int32(0), factory.For("v2")[0].closes.Load())

	all := errs.All()
	require.Len(t, all, 1)
	assert.ErrorIs(t, all[0], domain.ErrTransport)
	var se *domain.SessionError
	require.ErrorAs(t, all[0], &se)
	assert.Equal(t, domain.ViewerID("v1"), se.ViewerID)
}

func TestPeerConnectionManager_OpenFailure(t *testing.T) {
	m, factory, errs := newTestManager(t)
	factory.failFor = map[domain.ViewerID]error{"bad": errors.New("no ICE candidates")}

	err := m.AddViewer(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())
	assert.True(t, errs.Has(domain.ErrTransport))

	require.NoError(t, m.AddViewer(context.Background(), "good"))
	assert.Equal(t, 1, m.Count())
}

func TestPeerConnectionManager_ReplaceStreamReopensAll(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	for _, id := range []domain.ViewerID{"v1", "v2", "v3"} {
		require.NoError(t, m.AddViewer(ctx, id))
	}
	first := factory.Opened()

	next := newFakeStream("stream-2", domain.ConstraintProfile{Height: 1080})
	assert.Equal(t, 3, m.ReplaceStream(ctx, next))
	assert.Equal(t, 3, m.Count())

	for _, tr := range first {
		assert.Equal(t, int32(1), tr.closes.Load())
	}
	all := factory.Opened()
	require.Len(t, all, 6)
	for _, tr := range all[3:] {
		assert.Same(t, next, tr.stream)
	}
}

func TestPeerConnectionManager_ReopenViewer(t *testing.T) {
	m, factory, _ := newTestManager(t)
	require.NoError(t, m.AddViewer(context.Background(), "v1"))
	require.NoError(t, m.ReopenViewer(context.Background(), "v1"))

	transports := factory.For("v1")
	require.Len(t, transports, 2)
	assert.Equal(t, int32(1), transports[0].closes.Load())
	assert.Equal(t, int32(0), transports[1].closes.Load())
	assert.Equal(t, 1, m.Count())
}

func TestPeerConnectionManager_RemovedDuringSetupClosesLateTransport(t *testing.T) {
	m, factory, _ := newTestManager(t)
	factory.beforeOpen = func(id domain.ViewerID) {
		m.RemoveViewer(id)
	}

	require.NoError(t, m.AddViewer(context.Background(), "v1"))
	assert.Equal(t, 0, m.Count())

	transports := factory.For("v1")
	require.Len(t, transports, 1)
	assert.Equal(t, int32(1), transports[0].closes.Load())
}

func TestPeerConnectionManager_HandleSignal(t *testing.T) {
	m, factory, _ := newTestManager(t)
	require.NoError(t, m.AddViewer(context.Background(), "v1"))

	answer := domain.SignalMessage{Type: domain.SignalAnswer, From: "v1"}
	require.NoError(t, m.HandleSignal(answer))
	assert.Len(t, factory.For("v1")[0].Signals(), 1)

	err := m.HandleSignal(domain.SignalMessage{Type: domain.SignalAnswer, From: "ghost"})
	assert.ErrorIs(t, err, domain.ErrViewerNotFound)
}

func TestPeerConnectionManager_QueuesSignalsDuringSetup(t *testing.T) {
	m, factory, _ := newTestManager(t)
	factory.beforeOpen = func(id domain.ViewerID) {
		require.NoError(t, m.HandleSignal(domain.SignalMessage{Type: domain.SignalICECandidate, From: id}))
	}

	require.NoError(t, m.AddViewer(context.Background(), "v1"))
	signals := factory.For("v1")[0].Signals()
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalICECandidate, signals[0].Type)
}

func TestPeerConnectionManager_ViewersCarryLinkStats(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddViewer(ctx, "v1"))
	require.NoError(t, m.AddViewer(ctx, "v2"))

	reported := domain.LinkStats{PacketLoss: 0.02, Jitter: 12, RTT: 40 * time.Millisecond, UpdatedAt: time.Now()}
	factory.For("v1")[0].SetLink(reported)

	for _, v := range m.Viewers() {
		switch v.ViewerID {
		case "v1":
			require.NotNil(t, v.Link)
			assert.Equal(t, reported.RTT, v.Link.RTT)
			assert.Equal(t, reported.Jitter, v.Link.Jitter)
		case "v2":
			assert.Nil(t, v.Link, "no receiver report yet")
		}
	}
}
