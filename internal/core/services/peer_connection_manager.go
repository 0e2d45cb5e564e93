package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/tracing"

	"go.uber.org/zap"
)

// PeerConnectionManager keeps exactly one outbound transport per viewer.
// It is the only writer of the viewer registry. Upload bandwidth grows
// linearly with the number of viewers since every transport carries a
// full copy of the local stream.
type PeerConnectionManager struct {
	factory ports.TransportFactory
	hooks   *domain.Hooks
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	baseCtx   context.Context
	cancel    context.CancelFunc
	sessionID domain.SessionID
	stream    ports.LocalStream
	viewers   map[domain.ViewerID]*viewerEntry
}

type viewerEntry struct {
	conn      domain.ViewerConnection
	transport ports.Transport
	pending   []domain.SignalMessage
	cancel    context.CancelFunc
	detached  bool
	closeOnce sync.Once
}

func NewPeerConnectionManager(
	factory ports.TransportFactory,
	hooks *domain.Hooks,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PeerConnectionManager {
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &PeerConnectionManager{
		factory: factory,
		hooks:   hooks,
		metrics: metrics,
		logger:  logger,
		viewers: make(map[domain.ViewerID]*viewerEntry),
	}
}

// Begin sets the stream fanned out to viewers for a new session.
func (m *PeerConnectionManager) Begin(sessionID domain.SessionID, stream ports.LocalStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	m.sessionID = sessionID
	m.stream = stream
}

// AddViewer opens a transport to viewerID carrying the current stream.
// A viewer already registered is left untouched.
func (m *PeerConnectionManager) AddViewer(ctx context.Context, viewerID domain.ViewerID) error {
	m.mu.Lock()
	if m.stream == nil {
		m.mu.Unlock()
		return domain.ErrNotLive
	}
	if _, exists := m.viewers[viewerID]; exists {
		m.mu.Unlock()
		m.logger.Debugw("viewer already connected", "viewer_id", viewerID)
		return nil
	}
	entryCtx, cancel := context.WithCancel(m.baseCtx)
	entry := &viewerEntry{
		conn: domain.ViewerConnection{
			ViewerID: viewerID,
			State:    domain.ViewerConnecting,
			JoinedAt: time.Now(),
		},
		cancel: cancel,
	}
	m.viewers[viewerID] = entry
	stream := m.stream
	sessionID := m.sessionID
	count := len(m.viewers)
	m.mu.Unlock()

	m.metrics.IncViewerJoins()
	m.metrics.SetViewers(count)

	ctx, span := tracing.TraceTransport(ctx, "open", string(sessionID), string(viewerID))
	defer span.End()

	transport, err := m.factory.Open(entryCtx, viewerID, stream, m.callbacks(viewerID, entry))
	if err != nil {
		if !m.detach(viewerID, entry) {
			m.logger.Infow("viewer transport setup cancelled", "viewer_id", viewerID)
			return nil
		}
		entry.cancel()
		tracing.RecordError(ctx, err)
		m.reportTransportError(viewerID, "open", err)
		return fmt.Errorf("open transport for viewer %s: %w", viewerID, err)
	}

	m.mu.Lock()
	if entry.detached {
		m.mu.Unlock()
		m.logger.Infow("viewer removed during transport setup", "viewer_id", viewerID)
		m.closeTransport(viewerID, transport)
		return nil
	}
	entry.transport = transport
	pending := entry.pending
	entry.pending = nil
	m.mu.Unlock()

	for _, msg := range pending {
		if err := transport.HandleSignal(msg); err != nil {
			m.logger.Warnw("failed to apply queued signal", "viewer_id", viewerID, "type", msg.Type, "error", err)
		}
	}

	m.logger.Infow("viewer transport opened", "viewer_id", viewerID, "viewers", count)
	return nil
}

func (m *PeerConnectionManager) callbacks(viewerID domain.ViewerID, entry *viewerEntry) ports.TransportCallbacks {
	return ports.TransportCallbacks{
		OnEstablished: func() {
			m.mu.Lock()
			if !entry.detached {
				entry.conn.State = domain.ViewerConnected
			}
			m.mu.Unlock()
			m.logger.Infow("viewer transport established", "viewer_id", viewerID)
		},
		OnClosed: func() {
			if m.detach(viewerID, entry) {
				m.logger.Infow("viewer transport closed by peer", "viewer_id", viewerID)
				m.closeEntry(viewerID, entry)
			}
		},
		OnError: func(err error) {
			if m.detach(viewerID, entry) {
				m.closeEntry(viewerID, entry)
			}
			m.reportTransportError(viewerID, "transport", err)
		},
	}
}

// detach removes entry from the registry. It reports false when entry was
// already detached.
func (m *PeerConnectionManager) detach(viewerID domain.ViewerID, entry *viewerEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.detached {
		return false
	}
	entry.detached = true
	entry.conn.State = domain.ViewerDisconnected
	if m.viewers[viewerID] == entry {
		delete(m.viewers, viewerID)
	}
	m.metrics.SetViewers(len(m.viewers))
	return true
}

func (m *PeerConnectionManager) closeEntry(viewerID domain.ViewerID, entry *viewerEntry) {
	entry.closeOnce.Do(func() {
		entry.cancel()
		m.mu.Lock()
		transport := entry.transport
		m.mu.Unlock()
		if transport != nil {
			m.closeTransport(viewerID, transport)
		}
	})
}

func (m *PeerConnectionManager) closeTransport(viewerID domain.ViewerID, transport ports.Transport) {
	if err := transport.Close(); err != nil {
		m.logger.Warnw("error closing viewer transport", "viewer_id", viewerID, "error", err)
	}
}

func (m *PeerConnectionManager) reportTransportError(viewerID domain.ViewerID, op string, err error) {
	m.metrics.IncTransportErrors()
	m.logger.Warnw("viewer transport failed", "viewer_id", viewerID, "op", op, "error", err)
	m.hooks.Error(domain.NewTransportError(viewerID, op, err))
}

// RemoveViewer closes and forgets viewerID's transport.
func (m *PeerConnectionManager) RemoveViewer(viewerID domain.ViewerID) bool {
	m.mu.Lock()
	entry, exists := m.viewers[viewerID]
	m.mu.Unlock()
	if !exists || !m.detach(viewerID, entry) {
		return false
	}
	m.closeEntry(viewerID, entry)
	m.logger.Infow("viewer removed", "viewer_id", viewerID)
	return true
}

// ReopenViewer replaces viewerID's transport with a fresh one.
func (m *PeerConnectionManager) ReopenViewer(ctx context.Context, viewerID domain.ViewerID) error {
	m.RemoveViewer(viewerID)
	return m.AddViewer(ctx, viewerID)
}

// ReplaceStream tears down every transport and reopens one per viewer
// carrying stream. It returns the number of transports reopened.
func (m *PeerConnectionManager) ReplaceStream(ctx context.Context, stream ports.LocalStream) int {
	m.mu.Lock()
	m.stream = stream
	entries := m.detachAllLocked()
	m.mu.Unlock()

	for id, entry := range entries {
		m.closeEntry(id, entry)
	}

	reopened := 0
	for _, id := range sortedIDs(entries) {
		if err := m.AddViewer(ctx, id); err != nil {
			continue
		}
		reopened++
	}
	m.logger.Infow("viewer transports reopened for new stream", "viewers", len(entries), "reopened", reopened)
	return reopened
}

// CloseAll closes every transport, cancels pending setups and returns the
// number of viewers that were registered.
func (m *PeerConnectionManager) CloseAll() int {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.stream = nil
	entries := m.detachAllLocked()
	m.mu.Unlock()

	for id, entry := range entries {
		m.closeEntry(id, entry)
	}
	m.metrics.SetViewers(0)
	return len(entries)
}

func (m *PeerConnectionManager) detachAllLocked() map[domain.ViewerID]*viewerEntry {
	entries := m.viewers
	for _, entry := range entries {
		entry.detached = true
		entry.conn.State = domain.ViewerDisconnected
	}
	m.viewers = make(map[domain.ViewerID]*viewerEntry)
	return entries
}

// HandleSignal routes a negotiation message to the sending viewer's transport.
// Messages that arrive while the transport is still being opened are queued.
func (m *PeerConnectionManager) HandleSignal(msg domain.SignalMessage) error {
	m.mu.Lock()
	entry, exists := m.viewers[msg.From]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%s from %s: %w", msg.Type, msg.From, domain.ErrViewerNotFound)
	}
	transport := entry.transport
	if transport == nil {
		entry.pending = append(entry.pending, msg)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := transport.HandleSignal(msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("%s from %s: %w", msg.Type, msg.From, err)
	}
	return nil
}

// Viewers returns a snapshot of the registry ordered by join time.
func (m *PeerConnectionManager) Viewers() []domain.ViewerConnection {
	m.mu.Lock()
	out := make([]domain.ViewerConnection, 0, len(m.viewers))
	reporters := make(map[domain.ViewerID]ports.LinkReporter)
	for id, entry := range m.viewers {
		out = append(out, entry.conn)
		if r, ok := entry.transport.(ports.LinkReporter); ok {
			reporters[id] = r
		}
	}
	m.mu.Unlock()

	for i := range out {
		if r, ok := reporters[out[i].ViewerID]; ok {
			stats := r.LinkStats()
			if !stats.UpdatedAt.IsZero() {
				out[i].Link = &stats
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ViewerID < out[j].ViewerID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (m *PeerConnectionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.viewers)
}

func sortedIDs(entries map[domain.ViewerID]*viewerEntry) []domain.ViewerID {
	ids := make([]domain.ViewerID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
