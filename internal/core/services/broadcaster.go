package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/tracing"
	"meshcast/pkg/utils"
	"meshcast/pkg/validation"

	"go.uber.org/zap"
)

var errRecordingUnavailable = errors.New("recording requested but no asset storage is configured")

// ChannelFactory returns a fresh, unconnected signaling channel.
type ChannelFactory func() ports.SignalingChannel

type BroadcasterConfig struct {
	Reconnect    ReconnectConfig
	Recording    RecordingConfig
	StoreTimeout time.Duration
	DefaultTier  domain.QualityTier
}

// BroadcasterDeps are the collaborators of a Broadcaster. Tap and Storage
// are only required for recorded sessions; Events may be nil.
type BroadcasterDeps struct {
	Sessions   ports.SessionRepository
	Media      ports.MediaAcquirer
	Transports ports.TransportFactory
	Signaling  ChannelFactory
	Tap        ports.RecordingTap
	Storage    ports.AssetStorage
	Events     ports.EventPublisher
	Metrics    ports.MetricsRecorder
}

// Broadcaster drives one broadcast session at a time through
// Uninitialized, Initializing, Live, Ending and Ended. Start, End and
// ChangeQuality are serialized and idempotent.
type Broadcaster struct {
	sessions   ports.SessionRepository
	media      ports.MediaAcquirer
	newChannel ChannelFactory
	tap        ports.RecordingTap
	events     ports.EventPublisher
	metrics    ports.MetricsRecorder
	hooks      *domain.Hooks
	logger     *zap.SugaredLogger
	cfg        BroadcasterConfig

	pcm      *PeerConnectionManager
	recorder *RecordingPipeline

	opMu    sync.Mutex
	storeMu sync.Mutex

	mu         sync.RWMutex
	state      domain.LifecycleState
	session    *domain.BroadcastSession
	options    domain.SessionOptions
	stream     ports.LocalStream
	channel    ports.SignalingChannel
	supervisor *ReconnectSupervisor
	recording  bool
	cancel     context.CancelFunc
}

func NewBroadcaster(deps BroadcasterDeps, cfg BroadcasterConfig, hooks *domain.Hooks, logger *zap.SugaredLogger) *Broadcaster {
	if deps.Events == nil {
		deps.Events = ports.NoopEventPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NoopMetrics{}
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = domain.QualityMedium
	}

	b := &Broadcaster{
		sessions:   deps.Sessions,
		media:      deps.Media,
		newChannel: deps.Signaling,
		tap:        deps.Tap,
		events:     deps.Events,
		metrics:    deps.Metrics,
		hooks:      hooks,
		logger:     logger,
		cfg:        cfg,
		pcm:        NewPeerConnectionManager(deps.Transports, hooks, deps.Metrics, logger.Named("pcm")),
	}
	if deps.Storage != nil && deps.Tap != nil {
		b.recorder = NewRecordingPipeline(deps.Storage, cfg.Recording, hooks, deps.Metrics, logger.Named("recording"))
	}
	return b
}

// Start begins a new broadcast. While a session is initializing or live
// it returns the current record. A failed start releases everything it
// acquired and returns an InitializationError.
func (b *Broadcaster) Start(ctx context.Context, opts domain.SessionOptions) (*domain.BroadcastSession, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.state == domain.StateInitializing || b.state == domain.StateLive {
		current := b.session.Clone()
		b.mu.Unlock()
		return current, nil
	}
	b.state = domain.StateInitializing
	b.mu.Unlock()

	sessionID := domain.SessionID(utils.NewSessionID())
	ctx, span := tracing.TraceSession(ctx, "start", string(sessionID))
	defer span.End()

	var undo teardown
	session, err := b.launch(ctx, sessionID, opts, &undo)
	if err != nil {
		undo.run()
		b.setState(domain.StateUninitialized)
		tracing.RecordError(ctx, err)
		b.logger.Errorw("failed to start broadcast", "session_id", sessionID, "error", err)
		b.hooks.Error(err)
		return nil, err
	}

	b.metrics.SetSessionLive(true)
	b.publish(ctx, domain.NewSessionEvent(domain.EventSessionStarted, sessionID))
	b.hooks.StreamStarted(session)
	b.logger.Infow("broadcast live", "session_id", sessionID, "quality", session.QualityTier, "recording", opts.Record)
	return session, nil
}

func (b *Broadcaster) launch(ctx context.Context, sessionID domain.SessionID, opts domain.SessionOptions, undo *teardown) (*domain.BroadcastSession, error) {
	opts, profile, err := b.prepare(opts)
	if err != nil {
		return nil, domain.NewInitializationError("validate options", err)
	}
	if opts.Record && b.recorder == nil {
		return nil, domain.NewInitializationError("start recording", errRecordingUnavailable)
	}
	tracing.AddSpanAttributes(ctx, tracing.QualityKey.String(string(opts.QualityTier)))

	stream, err := b.media.Acquire(ctx, profile)
	if err != nil {
		return nil, domain.NewInitializationError("acquire media", err)
	}
	undo.push(func() { b.stopStream(stream) })

	ch := b.newChannel()
	logger := b.logger.With("session_id", sessionID)
	sup := NewReconnectSupervisor(ch.Connect, ReconnectConfig{
		BaseDelay:        b.cfg.Reconnect.BaseDelay,
		MaxRetries:       b.cfg.Reconnect.MaxRetries,
		Scheduler:        b.cfg.Reconnect.Scheduler,
		OnConnectionLost: b.connectionLost(sessionID),
	}, b.metrics, logger)
	ch.OnConnectionStateChange(func(state domain.ConnectionState) {
		b.signalingStateChanged(sessionID, ch, sup, state)
	})
	undo.push(func() {
		sup.Stop()
		if err := ch.Close(); err != nil {
			logger.Warnw("error closing signaling channel", "error", err)
		}
	})

	if err := ch.Connect(ctx); err != nil {
		return nil, domain.NewInitializationError("connect signaling", err)
	}

	session := &domain.BroadcastSession{
		ID:          sessionID,
		Title:       opts.Title,
		Description: opts.Description,
		Tags:        opts.Tags,
		QualityTier: opts.QualityTier,
		Status:      domain.SessionPending,
		StartedAt:   time.Now().UTC(),
	}
	if err := b.sessions.Create(ctx, session.Clone()); err != nil {
		return nil, domain.NewInitializationError("create session record", err)
	}
	undo.push(func() { b.abandon(session) })

	if err := b.announce(ctx, ch, sessionID, opts); err != nil {
		return nil, domain.NewInitializationError("announce session", err)
	}
	undo.push(func() { b.sendEndStream(context.Background(), ch, sessionID) })

	session.Status = domain.SessionLive
	if err := b.sessions.Update(ctx, session.Clone()); err != nil {
		return nil, domain.NewInitializationError("mark session live", err)
	}

	if opts.Record {
		b.tap.Attach(stream)
		if err := b.recorder.Start(sessionID, b.tap); err != nil {
			b.tap.Detach()
			return nil, domain.NewInitializationError("start recording", err)
		}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	b.pcm.Begin(sessionID, stream)

	b.mu.Lock()
	b.state = domain.StateLive
	b.session = session
	b.options = opts
	b.stream = stream
	b.channel = ch
	b.supervisor = sup
	b.recording = opts.Record
	b.cancel = cancel
	snapshot := session.Clone()
	b.mu.Unlock()

	go b.dispatch(sessionCtx, ch)
	return snapshot, nil
}

func (b *Broadcaster) prepare(opts domain.SessionOptions) (domain.SessionOptions, domain.ConstraintProfile, error) {
	opts.Title = utils.SanitizeString(opts.Title)
	if err := validation.ValidateTitle(opts.Title); err != nil {
		return opts, domain.ConstraintProfile{}, err
	}
	if err := validation.ValidateDescription(opts.Description); err != nil {
		return opts, domain.ConstraintProfile{}, err
	}
	opts.Tags = utils.NormalizeTags(opts.Tags)
	if err := validation.ValidateTags(opts.Tags); err != nil {
		return opts, domain.ConstraintProfile{}, err
	}
	if opts.QualityTier == "" {
		opts.QualityTier = b.cfg.DefaultTier
	}
	profile, err := domain.ResolveConstraints(opts.QualityTier)
	if err != nil {
		return opts, domain.ConstraintProfile{}, err
	}
	return opts, profile, nil
}

// abandon marks a record created by a failed start as ended.
func (b *Broadcaster) abandon(session *domain.BroadcastSession) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StoreTimeout)
	defer cancel()
	now := time.Now().UTC()
	session.Status = domain.SessionEnded
	session.EndedAt = &now
	if err := b.sessions.Update(ctx, session.Clone()); err != nil {
		b.logger.Warnw("failed to close abandoned session record", "session_id", session.ID, "error", err)
	}
}

// End stops the live session. It is a no-op unless the session is live.
// The session always reaches Ended; a non-nil error only reports that the
// final record update failed.
func (b *Broadcaster) End(ctx context.Context) (*domain.BroadcastSession, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.endLocked(ctx)
}

func (b *Broadcaster) endLocked(ctx context.Context) (*domain.BroadcastSession, error) {
	b.mu.Lock()
	if b.state != domain.StateLive {
		current := b.session.Clone()
		b.mu.Unlock()
		return current, nil
	}
	b.state = domain.StateEnding
	session := b.session
	stream, ch, sup := b.stream, b.channel, b.supervisor
	recording, cancel := b.recording, b.cancel
	b.stream, b.channel, b.supervisor, b.cancel = nil, nil, nil, nil
	b.recording = false
	b.mu.Unlock()

	ctx, span := tracing.TraceSession(ctx, "end", string(session.ID))
	defer span.End()
	logger := b.logger.With("session_id", session.ID)
	logger.Infow("ending broadcast")

	sup.Stop()
	cancel()

	if recording {
		b.recorder.Stop(b.recordingCompleted(session))
		b.tap.Detach()
	}

	closed := b.pcm.CloseAll()
	logger.Infow("viewer transports closed", "count", closed)

	b.stopStream(stream)
	b.sendEndStream(ctx, ch, session.ID)
	if err := ch.Close(); err != nil {
		logger.Warnw("error closing signaling channel", "error", err)
	}

	now := time.Now().UTC()
	err := b.persist(ctx, session, func(s *domain.BroadcastSession) {
		s.Status = domain.SessionEnded
		s.EndedAt = &now
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		logger.Errorw("failed to persist ended session", "error", err)
		b.hooks.Error(fmt.Errorf("persist ended session: %w", err))
	}

	b.mu.Lock()
	b.state = domain.StateEnded
	snapshot := session.Clone()
	b.mu.Unlock()

	b.metrics.SetSessionLive(false)
	b.publish(ctx, domain.NewSessionEvent(domain.EventSessionEnded, session.ID))
	b.hooks.StreamEnded(snapshot)
	logger.Infow("broadcast ended", "duration", now.Sub(session.StartedAt))
	return snapshot, err
}

// recordingCompleted writes the asset URL onto the ended session's record.
func (b *Broadcaster) recordingCompleted(session *domain.BroadcastSession) RecordingCompleteFunc {
	return func(url string, recordedAt time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StoreTimeout)
		defer cancel()

		err := b.persist(ctx, session, func(s *domain.BroadcastSession) {
			s.RecordingURL = url
			s.RecordedAt = &recordedAt
		})
		if err != nil {
			b.logger.Errorw("failed to persist recording url", "session_id", session.ID, "error", err)
			b.hooks.Error(domain.NewRecordingError("persist recording url", err))
			return
		}

		event := domain.NewSessionEvent(domain.EventRecordingCompleted, session.ID)
		event.RecordingURL = url
		b.publish(ctx, event)
	}
}

// persist applies mutate and writes the record. Writes are serialized so a
// late recording update never races the final status update.
func (b *Broadcaster) persist(ctx context.Context, session *domain.BroadcastSession, mutate func(*domain.BroadcastSession)) error {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	b.mu.Lock()
	mutate(session)
	snapshot := session.Clone()
	b.mu.Unlock()

	return b.sessions.Update(ctx, snapshot)
}

// ChangeQuality re-acquires local media at tier and reopens every viewer
// transport with the new stream. If the new tier cannot be acquired the
// previous tier is restored; if that fails too the session ends.
func (b *Broadcaster) ChangeQuality(ctx context.Context, tier domain.QualityTier) (*domain.BroadcastSession, error) {
	profile, err := domain.ResolveConstraints(tier)
	if err != nil {
		return nil, err
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.state != domain.StateLive {
		b.mu.Unlock()
		return nil, domain.ErrNotLive
	}
	session := b.session
	previous := session.QualityTier
	if previous == tier {
		snapshot := session.Clone()
		b.mu.Unlock()
		return snapshot, nil
	}
	old, recording := b.stream, b.recording
	b.mu.Unlock()

	ctx, span := tracing.TraceSession(ctx, "change_quality", string(session.ID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.QualityKey.String(string(tier)))
	logger := b.logger.With("session_id", session.ID)

	if recording {
		b.recorder.CaptureChunk()
		b.tap.Detach()
	}
	b.stopStream(old)

	stream, acquireErr := b.media.Acquire(ctx, profile)
	applied := tier
	if acquireErr != nil {
		logger.Warnw("failed to acquire media at new quality, restoring previous", "quality", tier, "previous", previous, "error", acquireErr)
		fallback, _ := domain.ResolveConstraints(previous)
		var fallbackErr error
		stream, fallbackErr = b.media.Acquire(ctx, fallback)
		if fallbackErr != nil {
			var err error = domain.NewInitializationError("reacquire media", errors.Join(acquireErr, fallbackErr))
			tracing.RecordError(ctx, err)
			logger.Errorw("failed to reacquire media, ending broadcast", "error", err)
			b.hooks.Error(err)
			b.mu.Lock()
			b.stream = nil
			b.mu.Unlock()
			ended, endErr := b.endLocked(ctx)
			if endErr != nil {
				err = errors.Join(err, endErr)
			}
			return ended, err
		}
		applied = previous
	}

	b.mu.Lock()
	b.stream = stream
	b.mu.Unlock()

	if recording {
		b.tap.Attach(stream)
	}
	reopened := b.pcm.ReplaceStream(ctx, stream)

	if applied != tier {
		err := fmt.Errorf("change quality to %s: %w", tier, acquireErr)
		tracing.RecordError(ctx, err)
		return b.Session(), err
	}

	b.mu.Lock()
	b.options.QualityTier = tier
	b.mu.Unlock()
	if err := b.persist(ctx, session, func(s *domain.BroadcastSession) { s.QualityTier = tier }); err != nil {
		logger.Warnw("failed to persist quality change", "error", err)
	}

	b.metrics.IncQualityChanges(string(tier))
	event := domain.NewSessionEvent(domain.EventQualityChanged, session.ID)
	event.QualityTier = tier
	b.publish(ctx, event)
	b.hooks.QualityChange(string(tier))
	logger.Infow("quality changed", "from", previous, "to", tier, "viewers", reopened)
	return b.Session(), nil
}

func (b *Broadcaster) dispatch(ctx context.Context, ch ports.SignalingChannel) {
	for msg := range ch.Messages() {
		b.handleMessage(ctx, msg)
	}
}

func (b *Broadcaster) handleMessage(ctx context.Context, msg domain.SignalMessage) {
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(msg.SessionID))
	defer span.End()

	switch msg.Type {
	case domain.SignalViewerJoined:
		var payload domain.ViewerPayload
		if err := msg.Decode(&payload); err != nil {
			b.logger.Warnw("invalid viewer-joined message", "error", err)
			return
		}
		b.viewerJoined(ctx, payload.ViewerID)

	case domain.SignalViewerLeft:
		var payload domain.ViewerPayload
		if err := msg.Decode(&payload); err != nil {
			b.logger.Warnw("invalid viewer-left message", "error", err)
			return
		}
		b.pcm.RemoveViewer(payload.ViewerID)
		b.hooks.ViewerLeft(payload.ViewerID)
		event := domain.NewSessionEvent(domain.EventViewerLeft, b.sessionID())
		event.ViewerID = payload.ViewerID
		b.publish(ctx, event)

	case domain.SignalQualityChangeRequest:
		var payload domain.QualityChangePayload
		if err := msg.Decode(&payload); err != nil {
			b.logger.Warnw("invalid quality-change-request message", "error", err)
			return
		}
		if _, err := b.ChangeQuality(ctx, payload.Tier); err != nil {
			b.logger.Warnw("requested quality change failed", "quality", payload.Tier, "error", err)
		}

	case domain.SignalRequestStream:
		if msg.From == "" {
			b.logger.Warnw("request-stream without sender")
			return
		}
		if err := b.pcm.ReopenViewer(ctx, msg.From); err != nil {
			b.logger.Warnw("failed to open requested stream", "viewer_id", msg.From, "error", err)
		}

	case domain.SignalAnswer, domain.SignalICECandidate:
		if err := b.pcm.HandleSignal(msg); err != nil {
			b.logger.Warnw("failed to apply negotiation message", "type", msg.Type, "viewer_id", msg.From, "error", err)
		}

	case domain.SignalError:
		var payload domain.ErrorPayload
		if err := msg.Decode(&payload); err != nil {
			payload.Message = string(msg.Payload)
		}
		b.logger.Warnw("signaling error received", "message", payload.Message)
		b.hooks.Error(fmt.Errorf("signaling: %s", payload.Message))

	default:
		b.logger.Debugw("ignoring signal message", "type", msg.Type)
	}
}

func (b *Broadcaster) viewerJoined(ctx context.Context, viewerID domain.ViewerID) {
	b.hooks.ViewerJoined(viewerID)
	event := domain.NewSessionEvent(domain.EventViewerJoined, b.sessionID())
	event.ViewerID = viewerID
	b.publish(ctx, event)

	if err := b.pcm.AddViewer(ctx, viewerID); err != nil && !errors.Is(err, domain.ErrNotLive) {
		b.logger.Debugw("viewer not added", "viewer_id", viewerID, "error", err)
	}
}

func (b *Broadcaster) signalingStateChanged(sessionID domain.SessionID, ch ports.SignalingChannel, sup *ReconnectSupervisor, state domain.ConnectionState) {
	b.hooks.ConnectionStateChange(state)
	sup.HandleStateChange(state)
	if state != domain.ConnectionConnected {
		return
	}

	b.mu.RLock()
	live := b.state == domain.StateLive && b.session != nil && b.session.ID == sessionID
	opts := b.options
	b.mu.RUnlock()
	if !live {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StoreTimeout)
	defer cancel()
	if err := b.announce(ctx, ch, sessionID, opts); err != nil {
		b.logger.Warnw("failed to re-announce session after reconnect", "session_id", sessionID, "error", err)
		return
	}
	b.logger.Infow("session re-announced after reconnect", "session_id", sessionID)
}

func (b *Broadcaster) connectionLost(sessionID domain.SessionID) func(error) {
	return func(err error) {
		b.logger.Errorw("signaling connection lost", "session_id", sessionID, "error", err)
		b.hooks.Error(err)
		go func() {
			b.opMu.Lock()
			defer b.opMu.Unlock()
			if b.sessionID() != sessionID {
				return
			}
			b.endLocked(context.Background())
		}()
	}
}

func (b *Broadcaster) announce(ctx context.Context, ch ports.SignalingChannel, sessionID domain.SessionID, opts domain.SessionOptions) error {
	msg, err := domain.NewSignalMessage(domain.SignalStartStream, sessionID, domain.StartStreamPayload{
		SessionID: sessionID,
		Options:   opts,
	})
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

func (b *Broadcaster) sendEndStream(ctx context.Context, ch ports.SignalingChannel, sessionID domain.SessionID) {
	msg, err := domain.NewSignalMessage(domain.SignalEndStream, sessionID, domain.EndStreamPayload{SessionID: sessionID})
	if err == nil {
		err = ch.Send(ctx, msg)
	}
	if err != nil {
		b.logger.Warnw("failed to send end-stream", "session_id", sessionID, "error", err)
	}
}

func (b *Broadcaster) stopStream(stream ports.LocalStream) {
	if stream == nil {
		return
	}
	if err := stream.Stop(); err != nil {
		b.logger.Warnw("error releasing local media", "stream_id", stream.ID(), "error", err)
	}
}

func (b *Broadcaster) publish(ctx context.Context, event domain.SessionEvent) {
	if err := b.events.Publish(ctx, event); err != nil {
		b.logger.Warnw("failed to publish session event", "type", event.Type, "session_id", event.SessionID, "error", err)
	}
}

func (b *Broadcaster) setState(state domain.LifecycleState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

func (b *Broadcaster) sessionID() domain.SessionID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.session == nil {
		return ""
	}
	return b.session.ID
}

func (b *Broadcaster) State() domain.LifecycleState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Session returns a copy of the current or most recent session record.
func (b *Broadcaster) Session() *domain.BroadcastSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session.Clone()
}

func (b *Broadcaster) Viewers() []domain.ViewerConnection {
	return b.pcm.Viewers()
}

func (b *Broadcaster) Stats() domain.SessionStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now().UTC()
	stats := domain.SessionStats{
		State:     b.state.String(),
		Viewers:   b.pcm.Count(),
		Recording: b.recording,
		Timestamp: now,
	}
	if b.session != nil {
		stats.SessionID = b.session.ID
		stats.QualityTier = b.session.QualityTier
		if b.state == domain.StateLive {
			stats.Uptime = now.Sub(b.session.StartedAt)
		}
	}
	return stats
}

// WaitUploads blocks until in-flight recording uploads finish or ctx is done.
func (b *Broadcaster) WaitUploads(ctx context.Context) error {
	if b.recorder == nil {
		return nil
	}
	return b.recorder.Wait(ctx)
}

// teardown runs release steps in reverse order of acquisition.
type teardown []func()

func (t *teardown) push(fn func()) {
	*t = append(*t, fn)
}

func (t *teardown) run() {
	for i := len(*t) - 1; i >= 0; i-- {
		(*t)[i]()
	}
	*t = nil
}
