package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
)

type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.BroadcastSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.BroadcastSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BroadcastSession), args.Error(1)
}

func (m *MockSessionRepository) Update(ctx context.Context, session *domain.BroadcastSession) error {
	args := m.Called(ctx, session.Clone())
	return args.Error(0)
}

func (m *MockSessionRepository) ListLive(ctx context.Context) ([]*domain.BroadcastSession, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.BroadcastSession), args.Error(1)
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
	saved   chan string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte), saved: make(chan string, 4)}
}

func (s *fakeStorage) Save(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.objects[name] = data
	s.saved <- name
	return nil
}

func (s *fakeStorage) URL(_ context.Context, name string) (string, error) {
	return "https://assets.example.com/" + name, nil
}

func (s *fakeStorage) Object(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[name]
}

func (s *fakeStorage) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.objects))
	for n := range s.objects {
		names = append(names, n)
	}
	return names
}

type fakeStream struct {
	id      string
	profile domain.ConstraintProfile
	stopped atomic.Int32

	mu    sync.Mutex
	sinks map[int]ports.MediaSink
	next  int
}

func newFakeStream(id string, profile domain.ConstraintProfile) *fakeStream {
	return &fakeStream{id: id, profile: profile, sinks: make(map[int]ports.MediaSink)}
}

func (s *fakeStream) ID() string                        { return s.id }
func (s *fakeStream) Profile() domain.ConstraintProfile { return s.profile }
func (s *fakeStream) Tracks() []webrtc.TrackLocal       { return nil }

func (s *fakeStream) Stop() error {
	s.stopped.Add(1)
	return nil
}

func (s *fakeStream) AddSink(sink ports.MediaSink) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.sinks[id] = sink
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.sinks, id)
	}
}

func (s *fakeStream) SinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}

type fakeAcquirer struct {
	mu       sync.Mutex
	failFor  map[int]error // keyed by frame height
	acquired []*fakeStream
}

func (a *fakeAcquirer) Acquire(_ context.Context, profile domain.ConstraintProfile) (ports.LocalStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failFor[profile.Height]; err != nil {
		return nil, err
	}
	s := newFakeStream("stream-"+string(rune('a'+len(a.acquired))), profile)
	a.acquired = append(a.acquired, s)
	return s, nil
}

func (a *fakeAcquirer) Last() *fakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.acquired) == 0 {
		return nil
	}
	return a.acquired[len(a.acquired)-1]
}

type fakeTransport struct {
	viewerID domain.ViewerID
	stream   ports.LocalStream
	cb       ports.TransportCallbacks
	closes   atomic.Int32

	mu      sync.Mutex
	signals []domain.SignalMessage
	link    domain.LinkStats
}

func (t *fakeTransport) LinkStats() domain.LinkStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link
}

func (t *fakeTransport) SetLink(stats domain.LinkStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.link = stats
}

func (t *fakeTransport) HandleSignal(msg domain.SignalMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, msg)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	return nil
}

func (t *fakeTransport) Signals() []domain.SignalMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.SignalMessage(nil), t.signals...)
}

type fakeTransportFactory struct {
	mu         sync.Mutex
	opened     []*fakeTransport
	failFor    map[domain.ViewerID]error
	beforeOpen func(viewerID domain.ViewerID)
}

func (f *fakeTransportFactory) Open(ctx context.Context, viewerID domain.ViewerID, stream ports.LocalStream, cb ports.TransportCallbacks) (ports.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.beforeOpen != nil {
		f.beforeOpen(viewerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[viewerID]; err != nil {
		return nil, err
	}
	t := &fakeTransport{viewerID: viewerID, stream: stream, cb: cb}
	f.opened = append(f.opened, t)
	return t, nil
}

func (f *fakeTransportFactory) Opened() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.opened...)
}

func (f *fakeTransportFactory) For(viewerID domain.ViewerID) []*fakeTransport {
	var out []*fakeTransport
	for _, t := range f.Opened() {
		if t.viewerID == viewerID {
			out = append(out, t)
		}
	}
	return out
}

// fakeChannel is an in-memory signaling channel.
type fakeChannel struct {
	mu          sync.Mutex
	sent        []domain.SignalMessage
	connects    int
	failConnect error
	failSend    map[domain.SignalType]error
	closed      bool
	onState     func(domain.ConnectionState)
	messages    chan domain.SignalMessage
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{messages: make(chan domain.SignalMessage, 32)}
}

func (c *fakeChannel) Connect(context.Context) error {
	c.mu.Lock()
	c.connects++
	err := c.failConnect
	fn := c.onState
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		fn(domain.ConnectionConnected)
	}
	return nil
}

func (c *fakeChannel) Send(_ context.Context, msg domain.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if err := c.failSend[msg.Type]; err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Messages() <-chan domain.SignalMessage { return c.messages }

func (c *fakeChannel) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.messages)
	}
	return nil
}

func (c *fakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Deliver(msg domain.SignalMessage) {
	c.messages <- msg
}

func (c *fakeChannel) Drop() {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(domain.ConnectionDisconnected)
	}
}

func (c *fakeChannel) SentTypes() []domain.SignalType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SignalType, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.Type)
	}
	return out
}

func (c *fakeChannel) Sent() []domain.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SignalMessage(nil), c.sent...)
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) All() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *errorSink) Has(kind error) bool {
	for _, err := range s.All() {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// fakeSessions is an in-memory session store that keeps the last written copy.
type fakeSessions struct {
	mu        sync.Mutex
	records   map[domain.SessionID]*domain.BroadcastSession
	writes    int
	createErr error
	updateErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{records: make(map[domain.SessionID]*domain.BroadcastSession)}
}

func (s *fakeSessions) Create(_ context.Context, session *domain.BroadcastSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.records[session.ID] = session.Clone()
	s.writes++
	return nil
}

func (s *fakeSessions) GetByID(_ context.Context, id domain.SessionID) (*domain.BroadcastSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

func (s *fakeSessions) Update(_ context.Context, session *domain.BroadcastSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.records[session.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	s.records[session.ID] = session.Clone()
	s.writes++
	return nil
}

func (s *fakeSessions) ListLive(context.Context) ([]*domain.BroadcastSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.BroadcastSession
	for _, rec := range s.records {
		if rec.Status == domain.SessionLive {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *fakeSessions) Get(id domain.SessionID) *domain.BroadcastSession {
	rec, _ := s.GetByID(context.Background(), id)
	return rec
}

func (s *fakeSessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeTap is a recording tap fed by the test.
type fakeTap struct {
	queueSource

	tapMu    sync.Mutex
	attached ports.LocalStream
	attaches int
}

func (t *fakeTap) Attach(stream ports.LocalStream) {
	t.tapMu.Lock()
	defer t.tapMu.Unlock()
	t.attached = stream
	t.attaches++
}

func (t *fakeTap) Detach() {
	t.tapMu.Lock()
	defer t.tapMu.Unlock()
	t.attached = nil
}

func (t *fakeTap) Attached() ports.LocalStream {
	t.tapMu.Lock()
	defer t.tapMu.Unlock()
	return t.attached
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (e *fakeEvents) Publish(_ context.Context, event domain.SessionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *fakeEvents) Types() []domain.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.EventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}
