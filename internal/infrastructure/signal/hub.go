package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/pkg/auth"
	"meshcast/pkg/tracing"
	"meshcast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type HubConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64 // 0 disables per-connection rate limiting
	Burst             int
	MaxMessageSize    int64
	MaxConnections    int
	AllowedOrigins    []string
}

// HubMetrics receives hub counters. Implementations must be safe for
// concurrent use.
type HubMetrics interface {
	SetConnections(n int)
	SetRooms(n int)
	IncMessages(t domain.SignalType)
	IncRejected(reason string)
}

type nopHubMetrics struct{}

func (nopHubMetrics) SetConnections(int)            {}
func (nopHubMetrics) SetRooms(int)                  {}
func (nopHubMetrics) IncMessages(domain.SignalType) {}
func (nopHubMetrics) IncRejected(string)            {}

const sendQueueSize = 64

var (
	errNoRoom           = errors.New("session not found")
	errNotBroadcaster   = errors.New("only the session broadcaster may send this message")
	errBroadcasterTaken = errors.New("session already has a broadcaster")
	errMissingViewer    = errors.New("viewer id is required")
	errMissingSession   = errors.New("session id is required")
	errRateLimited      = errors.New("rate limit exceeded")
)

// Hub routes signaling messages between one broadcaster and the viewers
// of each session. Rooms are keyed by session id and outlive a
// broadcaster's signaling connection so that it can reconnect and
// re-announce the session.
type Hub struct {
	cfg      HubConfig
	verifier *auth.Verifier
	metrics  HubMetrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
	slots    chan struct{}
	wg       sync.WaitGroup

	mu    sync.RWMutex
	conns map[*peer]struct{}
	rooms map[domain.SessionID]*room
}

type room struct {
	id          domain.SessionID
	broadcaster *peer
	viewers     map[domain.ViewerID]*peer
}

type role int

const (
	roleUnbound role = iota
	roleBroadcaster
	roleViewer
)

type peer struct {
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	claims  *auth.Claims
	logger  *zap.SugaredLogger

	// guarded by Hub.mu
	role      role
	sessionID domain.SessionID
	viewerID  domain.ViewerID

	closeOnce sync.Once
}

func NewHub(cfg HubConfig, verifier *auth.Verifier, metrics HubMetrics, logger *zap.SugaredLogger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = nopHubMetrics{}
	}

	h := &Hub{
		cfg:      cfg,
		verifier: verifier,
		metrics:  metrics,
		logger:   logger,
		conns:    make(map[*peer]struct{}),
		rooms:    make(map[domain.SessionID]*room),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	if cfg.MaxConnections > 0 {
		h.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.slots != nil {
		select {
		case h.slots <- struct{}{}:
			defer func() { <-h.slots }()
		default:
			h.metrics.IncRejected("max_connections")
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	var claims *auth.Claims
	if h.verifier.Enabled() {
		token, err := auth.TokenFromRequest(r)
		if err == nil {
			claims, err = h.verifier.Verify(token)
		}
		if err != nil {
			h.metrics.IncRejected("unauthorized")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	p := &peer{
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		claims: claims,
		logger: h.logger.With("remote_addr", r.RemoteAddr),
	}
	if h.cfg.MessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst)
	}

	h.mu.Lock()
	h.conns[p] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetConnections(count)
	p.logger.Infow("signaling connection opened", "connections", count)

	h.wg.Add(2)
	defer h.wg.Done()
	go func() {
		defer h.wg.Done()
		h.writePump(p)
	}()
	h.readPump(p)
	h.disconnect(p)
}

func (h *Hub) readPump(p *peer) {
	if h.cfg.MaxMessageSize > 0 {
		p.ws.SetReadLimit(h.cfg.MaxMessageSize)
	}
	_ = p.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		var msg domain.SignalMessage
		if err := p.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Infow("error reading signaling message", "error", err)
			}
			return
		}
		_ = p.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if p.limiter != nil && !p.limiter.Allow() {
			h.metrics.IncRejected("rate_limited")
			h.sendError(p, errRateLimited)
			continue
		}

		h.metrics.IncMessages(msg.Type)
		if err := h.handleMessage(p, msg); err != nil {
			p.logger.Infow("rejected signaling message", "type", msg.Type, "error", err)
			h.sendError(p, err)
		}
	}
}

func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Infow("error writing signaling message", "error", err)
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.Infow("error sending ping", "error", err)
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}

func (h *Hub) handleMessage(p *peer, msg domain.SignalMessage) error {
	_, span := tracing.TraceSignalMessage(context.Background(), string(msg.Type), string(msg.SessionID))
	defer span.End()

	switch msg.Type {
	case domain.SignalStartStream:
		return h.startStream(p, msg)
	case domain.SignalJoinStream:
		return h.joinStream(p, msg)
	case domain.SignalLeaveStream:
		return h.leaveStream(p)
	case domain.SignalEndStream:
		return h.endStream(p)
	case domain.SignalRequestStream, domain.SignalQualityChangeRequest, domain.SignalAnswer:
		return h.toBroadcaster(p, msg)
	case domain.SignalOffer:
		return h.toViewer(p, msg)
	case domain.SignalICECandidate:
		if h.roleOf(p) == roleBroadcaster {
			return h.toViewer(p, msg)
		}
		return h.toBroadcaster(p, msg)
	case domain.SignalError:
		p.logger.Warnw("peer reported error", "payload", string(msg.Payload))
		return nil
	default:
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
}

func (h *Hub) startStream(p *peer, msg domain.SignalMessage) error {
	var payload domain.StartStreamPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = payload.SessionID
	}
	if sessionID == "" {
		return errMissingSession
	}
	if err := h.authorize(p, auth.RoleBroadcaster, sessionID); err != nil {
		return err
	}

	h.mu.Lock()
	r := h.roomLocked(sessionID)
	if r.broadcaster != nil && r.broadcaster != p {
		h.mu.Unlock()
		return errBroadcasterTaken
	}
	r.broadcaster = p
	p.role = roleBroadcaster
	p.sessionID = sessionID
	viewers := make([]domain.ViewerID, 0, len(r.viewers))
	for id := range r.viewers {
		viewers = append(viewers, id)
	}
	rooms := len(h.rooms)
	h.mu.Unlock()
	h.metrics.SetRooms(rooms)

	p.logger.Infow("broadcaster bound to session", "session_id", sessionID, "title", payload.Options.Title, "waiting_viewers", len(viewers))

	// viewers that joined while the broadcaster was away
	for _, id := range viewers {
		h.deliver(p, viewerJoined(sessionID, id))
	}
	return nil
}

func (h *Hub) joinStream(p *peer, msg domain.SignalMessage) error {
	var payload domain.JoinStreamPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = payload.SessionID
	}
	if sessionID == "" {
		return errMissingSession
	}
	viewerID := msg.From
	if viewerID == "" {
		return errMissingViewer
	}
	if err := validation.ValidateViewerID(string(viewerID)); err != nil {
		return err
	}
	if err := h.authorize(p, auth.RoleViewer, sessionID); err != nil {
		return err
	}
	if p.claims != nil && p.claims.Subject != "" && p.claims.Subject != string(viewerID) {
		return fmt.Errorf("viewer id %s does not match token subject", viewerID)
	}

	h.mu.Lock()
	if p.role == roleViewer && p.sessionID != sessionID {
		h.leaveLocked(p)
	}
	r := h.roomLocked(sessionID)
	if previous, ok := r.viewers[viewerID]; ok && previous != p {
		previous.role = roleUnbound
		previous.sessionID = ""
	}
	r.viewers[viewerID] = p
	p.role = roleViewer
	p.sessionID = sessionID
	p.viewerID = viewerID
	broadcaster := r.broadcaster
	rooms := len(h.rooms)
	h.mu.Unlock()
	h.metrics.SetRooms(rooms)

	p.logger.Infow("viewer joined session", "session_id", sessionID, "viewer_id", viewerID, "broadcaster_present", broadcaster != nil)
	if broadcaster != nil {
		h.deliver(broadcaster, viewerJoined(sessionID, viewerID))
	}
	return nil
}

func (h *Hub) leaveStream(p *peer) error {
	h.mu.Lock()
	if p.role != roleViewer {
		h.mu.Unlock()
		return errNoRoom
	}
	notify := h.leaveLocked(p)
	h.mu.Unlock()
	notify()
	return nil
}

// leaveLocked unbinds viewer p and returns the notification to run once
// h.mu is released.
func (h *Hub) leaveLocked(p *peer) func() {
	sessionID, viewerID := p.sessionID, p.viewerID
	p.role = roleUnbound
	p.sessionID = ""

	r, ok := h.rooms[sessionID]
	if !ok || r.viewers[viewerID] != p {
		return func() {}
	}
	delete(r.viewers, viewerID)
	broadcaster := r.broadcaster
	h.pruneLocked(r)

	return func() {
		p.logger.Infow("viewer left session", "session_id", sessionID, "viewer_id", viewerID)
		if broadcaster != nil {
			h.deliver(broadcaster, viewerLeft(sessionID, viewerID))
		}
	}
}

func (h *Hub) endStream(p *peer) error {
	h.mu.Lock()
	if p.role != roleBroadcaster {
		h.mu.Unlock()
		return errNotBroadcaster
	}
	sessionID := p.sessionID
	r, ok := h.rooms[sessionID]
	if !ok {
		h.mu.Unlock()
		return errNoRoom
	}
	viewers := make([]*peer, 0, len(r.viewers))
	for _, v := range r.viewers {
		v.role = roleUnbound
		v.sessionID = ""
		viewers = append(viewers, v)
	}
	delete(h.rooms, sessionID)
	p.role = roleUnbound
	p.sessionID = ""
	rooms := len(h.rooms)
	h.mu.Unlock()
	h.metrics.SetRooms(rooms)

	end, _ := domain.NewSignalMessage(domain.SignalEndStream, sessionID, domain.EndStreamPayload{SessionID: sessionID})
	for _, v := range viewers {
		h.deliver(v, end)
	}
	p.logger.Infow("session ended", "session_id", sessionID, "viewers_notified", len(viewers))
	return nil
}

func (h *Hub) toBroadcaster(p *peer, msg domain.SignalMessage) error {
	h.mu.RLock()
	if p.role != roleViewer {
		h.mu.RUnlock()
		return errNoRoom
	}
	r := h.rooms[p.sessionID]
	var broadcaster *peer
	if r != nil {
		broadcaster = r.broadcaster
	}
	msg.SessionID = p.sessionID
	msg.From = p.viewerID
	msg.To = ""
	h.mu.RUnlock()

	if broadcaster == nil {
		return fmt.Errorf("%s: broadcaster not connected", msg.Type)
	}
	h.deliver(broadcaster, msg)
	return nil
}

func (h *Hub) toViewer(p *peer, msg domain.SignalMessage) error {
	h.mu.RLock()
	if p.role != roleBroadcaster {
		h.mu.RUnlock()
		return errNotBroadcaster
	}
	r := h.rooms[p.sessionID]
	var target *peer
	if r != nil {
		target = r.viewers[msg.To]
	}
	msg.SessionID = p.sessionID
	msg.From = ""
	h.mu.RUnlock()

	if target == nil {
		return fmt.Errorf("%s to %s: %w", msg.Type, msg.To, domain.ErrViewerNotFound)
	}
	h.deliver(target, msg)
	return nil
}

func (h *Hub) disconnect(p *peer) {
	p.close()

	h.mu.Lock()
	delete(h.conns, p)
	var notify func()
	switch p.role {
	case roleViewer:
		notify = h.leaveLocked(p)
	case roleBroadcaster:
		if r, ok := h.rooms[p.sessionID]; ok && r.broadcaster == p {
			r.broadcaster = nil
			h.pruneLocked(r)
		}
	}
	count := len(h.conns)
	rooms := len(h.rooms)
	h.mu.Unlock()

	if notify != nil {
		notify()
	}
	h.metrics.SetConnections(count)
	h.metrics.SetRooms(rooms)
	p.logger.Infow("signaling connection closed", "connections", count)
}

func (h *Hub) roomLocked(id domain.SessionID) *room {
	r, ok := h.rooms[id]
	if !ok {
		r = &room{id: id, viewers: make(map[domain.ViewerID]*peer)}
		h.rooms[id] = r
	}
	return r
}

func (h *Hub) pruneLocked(r *room) {
	if r.broadcaster == nil && len(r.viewers) == 0 {
		delete(h.rooms, r.id)
	}
}

func (h *Hub) roleOf(p *peer) role {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return p.role
}

func (h *Hub) authorize(p *peer, want string, sessionID domain.SessionID) error {
	if p.claims == nil {
		return nil
	}
	if p.claims.Role != "" && p.claims.Role != want {
		return fmt.Errorf("token role %q may not act as %s", p.claims.Role, want)
	}
	if p.claims.SessionID != "" && p.claims.SessionID != string(sessionID) {
		return fmt.Errorf("token is not valid for session %s", sessionID)
	}
	return nil
}

// deliver queues msg for p. A peer whose queue is full is disconnected.
func (h *Hub) deliver(p *peer, msg domain.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("failed to encode signaling message", "type", msg.Type, "error", err)
		return
	}
	select {
	case p.send <- data:
	case <-p.done:
	default:
		p.logger.Warnw("signaling send queue full, closing connection", "type", msg.Type)
		h.metrics.IncRejected("slow_consumer")
		p.close()
	}
}

func (h *Hub) sendError(p *peer, err error) {
	msg, encErr := domain.NewSignalMessage(domain.SignalError, "", domain.ErrorPayload{Message: err.Error()})
	if encErr != nil {
		return
	}
	h.deliver(p, msg)
}

// HubStats is a point-in-time view of the hub.
type HubStats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Viewers     int `json:"viewers"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := HubStats{Connections: len(h.conns), Rooms: len(h.rooms)}
	for _, r := range h.rooms {
		stats.Viewers += len(r.viewers)
	}
	return stats
}

// HealthCheck reports the hub as healthy with its current counters.
func (h *Hub) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	stats := h.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": stats.Connections,
		"rooms":       stats.Rooms,
		"viewers":     stats.Viewers,
	})
}

// Shutdown closes every connection and waits for their handlers to return.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.conns))
	for p := range h.conns {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		_ = p.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteTimeout),
		)
		p.close()
	}
	h.wg.Wait()
}

func viewerJoined(sessionID domain.SessionID, viewerID domain.ViewerID) domain.SignalMessage {
	msg, _ := domain.NewSignalMessage(domain.SignalViewerJoined, sessionID, domain.ViewerPayload{ViewerID: viewerID})
	msg.From = viewerID
	return msg
}

func viewerLeft(sessionID domain.SessionID, viewerID domain.ViewerID) domain.SignalMessage {
	msg, _ := domain.NewSignalMessage(domain.SignalViewerLeft, sessionID, domain.ViewerPayload{ViewerID: viewerID})
	msg.From = viewerID
	return msg
}
