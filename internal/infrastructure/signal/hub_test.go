package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/pkg/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHub(t *testing.T, verifier *auth.Verifier) (*Hub, string) {
	t.Helper()
	hub := NewHub(HubConfig{PingInterval: time.Second, WriteTimeout: time.Second}, verifier, nil, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, token string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{URL: url, Token: token, DialTimeout: time.Second}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *Client, typ domain.SignalType, sessionID domain.SessionID, from, to domain.ViewerID, payload interface{}) {
	t.Helper()
	msg, err := domain.NewSignalMessage(typ, sessionID, payload)
	require.NoError(t, err)
	msg.From = from
	msg.To = to
	require.NoError(t, c.Send(context.Background(), msg))
}

func expect(t *testing.T, c *Client, typ domain.SignalType) domain.SignalMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.Messages():
			require.True(t, ok, "messages channel closed while waiting for %s", typ)
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func startBroadcast(t *testing.T, hub *Hub, url string, sessionID domain.SessionID) *Client {
	t.Helper()
	b := dial(t, url, "")
	send(t, b, domain.SignalStartStream, sessionID, "", "", domain.StartStreamPayload{SessionID: sessionID})
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		r, ok := hub.rooms[sessionID]
		return ok && r.broadcaster != nil
	}, time.Second, 5*time.Millisecond)
	return b
}

func TestHub_ViewerJoinReachesBroadcaster(t *testing.T) {
	hub, url := newTestHub(t, nil)
	b := startBroadcast(t, hub, url, "s1")

	v := dial(t, url, "")
	send(t, v, domain.SignalJoinStream, "s1", "viewer_1", "", domain.JoinStreamPayload{SessionID: "s1"})

	joined := expect(t, b, domain.SignalViewerJoined)
	assert.Equal(t, domain.SessionID("s1"), joined.SessionID)
	assert.Equal(t, domain.ViewerID("viewer_1"), joined.From)

	var payload domain.ViewerPayload
	require.NoError(t, joined.Decode(&payload))
	assert.Equal(t, domain.ViewerID("viewer_1"), payload.ViewerID)

	stats := hub.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.Viewers)
}

func TestHub_ReplaysWaitingViewers(t *testing.T) {
	hub, url := newTestHub(t, nil)

	v := dial(t, url, "")
	send(t, v, domain.SignalJoinStream, "s1", "viewer_1", "", domain.JoinStreamPayload{SessionID: "s1"})
	require.Eventually(t, func() bool { return hub.Stats().Viewers == 1 }, time.Second, 5*time.Millisecond)

	b := startBroadcast(t, hub, url, "s1")
	joined := expect(t, b, domain.SignalViewerJoined)
	assert.Equal(t, domain.ViewerID("viewer_1"), joined.From)
}

func TestHub_RoutesNegotiation(t *testing.T) {
	hub, url := newTestHub(t, nil)
	b := startBroadcast(t, hub, url, "s1")
	v := dial(t, url, "")
	send(t, v, domain.SignalJoinStream, "s1", "viewer_1", "", domain.JoinStreamPayload{SessionID: "s1"})
	expect(t, b, domain.SignalViewerJoined)

	send(t, b, domain.SignalOffer, "", "", "viewer_1", domain.SessionDescriptionPayload{Type: "offer", SDP: "v=0"})
	offer := expect(t, v, domain.SignalOffer)
	assert.Equal(t, domain.SessionID("s1"), offer.SessionID)

	send(t, v, domain.SignalAnswer, "s1", "viewer_1", "", domain.SessionDescriptionPayload{Type: "answer", SDP: "v=0"})
	answer := expect(t, b, domain.SignalAnswer)
	assert.Equal(t, domain.ViewerID("viewer_1"), answer.From)

	send(t, v, domain.SignalQualityChangeRequest, "s1", "viewer_1", "", domain.QualityChangePayload{Tier: domain.QualityHigh})
	req := expect(t, b, domain.SignalQualityChangeRequest)
	assert.Equal(t, domain.ViewerID("viewer_1"), req.From)

	// unknown viewer
	send(t, b, domain.SignalOffer, "", "", "viewer_2", domain.SessionDescriptionPayload{Type: "offer", SDP: "v=0"})
	errMsg := expect(t, b, domain.SignalError)
	var payload domain.ErrorPayload
	require.NoError(t, errMsg.Decode(&payload))
	assert.Contains(t, payload.Message, "viewer")
}

func TestHub_EndStreamNotifiesViewers(t *testing.T) {
	hub, url := newTestHub(t, nil)
	b := startBroadcast(t, hub, url, "s1")
	v := dial(t, url, "")
	send(t, v, domain.SignalJoinStream, "s1", "viewer_1", "", domain.JoinStreamPayload{SessionID: "s1"})
	expect(t, b, domain.SignalViewerJoined)

	send(t, b, domain.SignalEndStream, "s1", "", "", domain.EndStreamPayload{SessionID: "s1"})
	end := expect(t, v, domain.SignalEndStream)
	assert.Equal(t, domain.SessionID("s1"), end.SessionID)
	assert.Eventually(t, func() bool { return hub.Stats().Rooms == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_ViewerDisconnectSendsViewerLeft(t *testing.T) {
	hub, url := newTestHub(t, nil)
	b := startBroadcast(t, hub, url, "s1")
	v := dial(t, url, "")
	send(t, v, domain.SignalJoinStream, "s1", "viewer_1", "", domain.JoinStreamPayload{SessionID: "s1"})
	expect(t, b, domain.SignalViewerJoined)

	require.NoError(t, v.Close())
	left := expect(t, b, domain.SignalViewerLeft)
	assert.Equal(t, domain.ViewerID("viewer_1"), left.From)
}

func TestHub_SecondBroadcasterRejected(t *testing.T) {
	hub, url := newTestHub(t, nil)
	startBroadcast(t, hub, url, "s1")

	other := dial(t, url, "")
	send(t, other, domain.SignalStartStream, "s1", "", "", domain.StartStreamPayload{SessionID: "s1"})
	expect(t, other, domain.SignalError)
}

func TestHub_BroadcasterReconnectKeepsRoom(t *testing.T) {
	hub, url := newTestHub(t, nil)
	b := startBroadcast(t, hub, url, "s1")
	v := dial(t, url, "")
	send(t, v, domain.SignalJoinStream, "s1", "viewer_1", "", domain.JoinStreamPayload{SessionID: "s1"})
	expect(t, b, domain.SignalViewerJoined)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return hub.Stats().Connections == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.Stats().Rooms)

	again := startBroadcast(t, hub, url, "s1")
	joined := expect(t, again, domain.SignalViewerJoined)
	assert.Equal(t, domain.ViewerID("viewer_1"), joined.From)
}

func TestHub_RequiresTokenWhenEnabled(t *testing.T) {
	verifier := auth.NewVerifier("secret")
	hub, url := newTestHub(t, verifier)

	c := NewClient(ClientConfig{URL: url, DialTimeout: time.Second}, zaptest.NewLogger(t).Sugar())
	defer c.Close()
	assert.Error(t, c.Connect(context.Background()))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role: auth.RoleViewer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "viewer_1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	v := dial(t, url, signed)
	send(t, v, domain.SignalStartStream, "s1", "", "", domain.StartStreamPayload{SessionID: "s1"})
	expect(t, v, domain.SignalError)

	send(t, v, domain.SignalJoinStream, "s1", "viewer_1", "", domain.JoinStreamPayload{SessionID: "s1"})
	assert.Eventually(t, func() bool { return hub.Stats().Viewers == 1 }, time.Second, 5*time.Millisecond)
}

func TestClient_StateChangesAndClose(t *testing.T) {
	hub, url := newTestHub(t, nil)

	c := NewClient(ClientConfig{URL: url, DialTimeout: time.Second}, zaptest.NewLogger(t).Sugar())
	var (
		mu     sync.Mutex
		states []domain.ConnectionState
	)
	c.OnConnectionStateChange(func(s domain.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	require.NoError(t, c.Connect(context.Background()))

	hub.Shutdown()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []domain.ConnectionState{domain.ConnectionConnected, domain.ConnectionDisconnected}, states)
	mu.Unlock()

	assert.ErrorIs(t, c.Send(context.Background(), domain.SignalMessage{Type: domain.SignalJoinStream}), errNotConnected)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, ok := <-c.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Send(context.Background(), domain.SignalMessage{}), domain.ErrChannelClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), domain.ErrChannelClosed)
}

func TestClient_CloseFromDisconnectCallback(t *testing.T) {
	hub, url := newTestHub(t, nil)

	c := NewClient(ClientConfig{URL: url, DialTimeout: time.Second}, zaptest.NewLogger(t).Sugar())
	closed := make(chan error, 1)
	c.OnConnectionStateChange(func(s domain.ConnectionState) {
		if s == domain.ConnectionDisconnected {
			closed <- c.Close()
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	hub.Shutdown()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return from the disconnect callback")
	}

	select {
	case _, ok := <-c.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel was not closed")
	}
}
