package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/tracing"

	"go.uber.org/zap"
)

var (
	errAlreadyJoined = errors.New("viewer already joined a session")
	errNoRenditions  = errors.New("manifest lists no renditions")
	errNoReceiver    = errors.New("no direct receiver configured")
	errReleased      = errors.New("playback released")
)

type PlaybackConfig struct {
	// ManifestURL may contain {session_id}.
	ManifestURL      string
	DirectTimeout    time.Duration
	InitialBandwidth int // kbps
	ForceDirect      bool
	Selector         SelectorConfig
	Reconnect        ReconnectConfig
}

type PlaybackDeps struct {
	Signaling ports.SignalingChannel
	Manifests ports.ManifestFetcher
	Player    ports.AdaptivePlayer
	Receiver  ports.DirectReceiver
}

// PlaybackClient is the viewer side of a broadcast. The playback strategy
// is chosen once at join: adaptive renditions when the player supports
// them, otherwise a direct transport from the broadcaster. Adaptive
// playback falls back to the direct transport at most once.
type PlaybackClient struct {
	viewerID  domain.ViewerID
	channel   ports.SignalingChannel
	manifests ports.ManifestFetcher
	player    ports.AdaptivePlayer
	receiver  ports.DirectReceiver
	cfg       PlaybackConfig
	hooks     *domain.Hooks
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	joined     bool
	connected  bool
	stopped    bool
	sessionID  domain.SessionID
	options    domain.ViewerOptions
	mode       domain.PlaybackMode
	fellBack   bool
	selector   *RenditionSelector
	supervisor *ReconnectSupervisor
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewPlaybackClient(
	viewerID domain.ViewerID,
	deps PlaybackDeps,
	cfg PlaybackConfig,
	hooks *domain.Hooks,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PlaybackClient {
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	p := &PlaybackClient{
		viewerID:  viewerID,
		channel:   deps.Signaling,
		manifests: deps.Manifests,
		player:    deps.Player,
		receiver:  deps.Receiver,
		cfg:       cfg,
		hooks:     hooks,
		metrics:   metrics,
		logger:    logger.With("viewer_id", viewerID),
	}
	if p.player != nil {
		p.player.OnFatalError(p.playerFailed)
	}
	return p
}

// Join announces the viewer to sessionID and starts playback. It returns
// once media is playing or playback has failed for good.
func (p *PlaybackClient) Join(ctx context.Context, sessionID domain.SessionID, opts domain.ViewerOptions) error {
	p.mu.Lock()
	if p.joined {
		p.mu.Unlock()
		return errAlreadyJoined
	}
	p.joined = true
	p.sessionID = sessionID
	p.options = opts
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.supervisor = NewReconnectSupervisor(p.channel.Connect, ReconnectConfig{
		BaseDelay:        p.cfg.Reconnect.BaseDelay,
		MaxRetries:       p.cfg.Reconnect.MaxRetries,
		Scheduler:        p.cfg.Reconnect.Scheduler,
		OnConnectionLost: p.connectionLost,
	}, p.metrics, p.logger)
	p.mu.Unlock()

	ctx, span := tracing.TracePlayback(ctx, "join", string(sessionID))
	defer span.End()

	p.channel.OnConnectionStateChange(p.signalingStateChanged)
	if err := p.channel.Connect(ctx); err != nil {
		return p.fail(ctx, domain.NewPlaybackError("connect signaling", err))
	}
	if err := p.sendJoin(ctx); err != nil {
		return p.fail(ctx, domain.NewPlaybackError("join session", err))
	}
	go p.dispatch()

	mode := domain.PlaybackAdaptive
	if opts.Mode == domain.PlaybackDirect || p.cfg.ForceDirect || p.player == nil || !p.player.SupportsAdaptive() {
		mode = domain.PlaybackDirect
	}
	p.setMode(mode)
	tracing.AddSpanAttributes(ctx, tracing.StrategyKey.String(string(mode)))
	p.logger.Infow("joining session", "session_id", sessionID, "strategy", mode)

	if mode == domain.PlaybackDirect {
		return p.playDirect(ctx)
	}
	if err := p.playAdaptive(ctx, opts.PreferredRendition); err != nil {
		return p.fallback(ctx, err)
	}
	return nil
}

func (p *PlaybackClient) playAdaptive(ctx context.Context, preferred string) error {
	url := strings.ReplaceAll(p.cfg.ManifestURL, "{session_id}", string(p.session()))
	manifest, err := p.manifests.Fetch(ctx, url)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	if len(manifest.Renditions) == 0 {
		return errNoRenditions
	}

	selector := NewRenditionSelector(manifest.Renditions, p.cfg.Selector)
	rendition, ok := selector.Prefer(preferred)
	if !ok {
		if preferred != "" {
			p.logger.Warnw("preferred rendition not in manifest", "rendition", preferred)
		}
		rendition = selector.Initial(p.cfg.InitialBandwidth)
	}

	if err := p.player.Play(ctx, rendition); err != nil {
		return fmt.Errorf("play %s: %w", rendition.Name, err)
	}

	p.mu.Lock()
	p.selector = selector
	p.mu.Unlock()

	tracing.AddSpanAttributes(ctx, tracing.RenditionKey.String(rendition.Name))
	p.logger.Infow("adaptive playback started", "rendition", rendition.Name, "bandwidth", rendition.Bandwidth)
	return nil
}

// playDirect asks the broadcaster for a transport and waits for one
// established after the request. The wait ends early when playback is
// released.
func (p *PlaybackClient) playDirect(ctx context.Context) error {
	if p.receiver == nil {
		return p.fail(ctx, domain.NewPlaybackError("await direct transport", errNoReceiver))
	}

	p.mu.Lock()
	base := p.ctx
	p.mu.Unlock()

	p.receiver.Expect()
	msg := domain.SignalMessage{Type: domain.SignalRequestStream, SessionID: p.session(), From: p.viewerID}
	if err := p.channel.Send(ctx, msg); err != nil {
		return p.fail(ctx, domain.NewPlaybackError("request direct transport", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.DirectTimeout)
	defer cancel()
	if base != nil {
		stop := context.AfterFunc(base, cancel)
		defer stop()
	}
	if err := p.receiver.Await(waitCtx); err != nil {
		if p.Stopped() {
			return domain.NewPlaybackError("await direct transport", errReleased)
		}
		return p.fail(ctx, domain.NewPlaybackError("await direct transport", err))
	}

	p.logger.Infow("direct transport established")
	return nil
}

// fallback switches from adaptive to direct playback once. Any later
// failure is final.
func (p *PlaybackClient) fallback(ctx context.Context, cause error) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	if p.fellBack || p.mode != domain.PlaybackAdaptive {
		p.mu.Unlock()
		return p.fail(ctx, domain.NewPlaybackError("playback", cause))
	}
	p.fellBack = true
	p.mode = domain.PlaybackDirect
	p.selector = nil
	p.mu.Unlock()

	p.logger.Warnw("adaptive playback failed, falling back to direct transport", "error", cause)
	if err := p.player.Stop(); err != nil {
		p.logger.Debugw("error stopping adaptive player", "error", err)
	}
	return p.playDirect(ctx)
}

func (p *PlaybackClient) playerFailed(err error) {
	p.mu.Lock()
	ctx, mode := p.ctx, p.mode
	p.mu.Unlock()
	if ctx == nil || mode != domain.PlaybackAdaptive {
		return
	}
	go p.fallback(ctx, err)
}

func (p *PlaybackClient) fail(ctx context.Context, err error) error {
	tracing.RecordError(ctx, err)
	p.logger.Errorw("playback failed", "session_id", p.session(), "error", err)
	p.hooks.Error(err)
	return err
}

// ReportConditions feeds measured network conditions to the rendition
// selector. It only has an effect during adaptive playback.
func (p *PlaybackClient) ReportConditions(ctx context.Context, metrics domain.NetworkMetrics) error {
	p.mu.Lock()
	selector, stopped := p.selector, p.stopped
	p.mu.Unlock()
	if selector == nil || stopped {
		return nil
	}

	rendition, ok := selector.Evaluate(metrics)
	if !ok {
		return nil
	}

	ctx, span := tracing.TracePlayback(ctx, "switch", string(p.session()))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RenditionKey.String(rendition.Name))

	if err := p.player.Switch(ctx, rendition); err != nil {
		return p.fallback(ctx, fmt.Errorf("switch to %s: %w", rendition.Name, err))
	}

	p.logger.Infow("rendition switched",
		"rendition", rendition.Name,
		"bandwidth_kbps", metrics.BandwidthDown,
		"packet_loss", metrics.PacketLoss,
	)
	p.hooks.QualityChange(rendition.Name)
	return nil
}

func (p *PlaybackClient) dispatch() {
	for msg := range p.channel.Messages() {
		p.handleMessage(msg)
	}
}

func (p *PlaybackClient) handleMessage(msg domain.SignalMessage) {
	switch msg.Type {
	case domain.SignalEndStream:
		p.logger.Infow("broadcast ended", "session_id", msg.SessionID)
		p.release()
		p.hooks.StreamEnded(&domain.BroadcastSession{ID: p.session(), Status: domain.SessionEnded})

	case domain.SignalOffer, domain.SignalICECandidate:
		if p.receiver == nil {
			return
		}
		if err := p.receiver.HandleSignal(msg); err != nil {
			p.logger.Warnw("failed to apply negotiation message", "type", msg.Type, "error", err)
		}

	case domain.SignalError:
		var payload domain.ErrorPayload
		if err := msg.Decode(&payload); err != nil {
			payload.Message = string(msg.Payload)
		}
		p.logger.Warnw("signaling error received", "message", payload.Message)
		p.hooks.Error(fmt.Errorf("signaling: %s", payload.Message))

	default:
		p.logger.Debugw("ignoring signal message", "type", msg.Type)
	}
}

func (p *PlaybackClient) signalingStateChanged(state domain.ConnectionState) {
	p.hooks.ConnectionStateChange(state)

	p.mu.Lock()
	sup, stopped := p.supervisor, p.stopped
	reconnected := state == domain.ConnectionConnected && p.connected
	if state == domain.ConnectionConnected {
		p.connected = true
	}
	p.mu.Unlock()

	if sup != nil {
		sup.HandleStateChange(state)
	}
	if reconnected && !stopped {
		p.rejoin()
	}
}

// rejoin re-sends join-stream after the supervisor restored signaling.
func (p *PlaybackClient) rejoin() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DirectTimeout)
	defer cancel()
	if err := p.sendJoin(ctx); err != nil {
		p.logger.Warnw("failed to rejoin after reconnect", "error", err)
		return
	}
	p.logger.Infow("rejoined session after reconnect", "session_id", p.session())
}

func (p *PlaybackClient) connectionLost(err error) {
	p.logger.Errorw("signaling connection lost, stopping playback", "error", err)
	// Runs on the signaling read loop; closing the channel inline would
	// wait on that same loop.
	go func() {
		p.release()
		p.hooks.Error(err)
	}()
}

func (p *PlaybackClient) sendJoin(ctx context.Context) error {
	p.mu.Lock()
	sessionID, opts := p.sessionID, p.options
	p.mu.Unlock()

	msg, err := domain.NewSignalMessage(domain.SignalJoinStream, sessionID, domain.JoinStreamPayload{
		SessionID:     sessionID,
		ViewerOptions: opts,
	})
	if err != nil {
		return err
	}
	msg.From = p.viewerID
	return p.channel.Send(ctx, msg)
}

// Leave tells the session the viewer is gone and releases playback.
func (p *PlaybackClient) Leave(ctx context.Context) error {
	p.mu.Lock()
	joined, stopped := p.joined, p.stopped
	p.mu.Unlock()
	if !joined || stopped {
		return nil
	}

	msg := domain.SignalMessage{Type: domain.SignalLeaveStream, SessionID: p.session(), From: p.viewerID}
	if err := p.channel.Send(ctx, msg); err != nil {
		p.logger.Warnw("failed to send leave-stream", "error", err)
	}
	p.release()
	p.logger.Infow("left session", "session_id", p.session())
	return nil
}

// release stops playback and closes signaling once.
func (p *PlaybackClient) release() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	sup, cancel, selector := p.supervisor, p.cancel, p.selector
	p.selector = nil
	p.mu.Unlock()

	if sup != nil {
		sup.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if selector != nil && p.player != nil {
		if err := p.player.Stop(); err != nil {
			p.logger.Debugw("error stopping adaptive player", "error", err)
		}
	}
	if p.receiver != nil {
		if err := p.receiver.Close(); err != nil {
			p.logger.Debugw("error closing direct receiver", "error", err)
		}
	}
	if err := p.channel.Close(); err != nil {
		p.logger.Debugw("error closing signaling channel", "error", err)
	}
}

func (p *PlaybackClient) setMode(mode domain.PlaybackMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

func (p *PlaybackClient) session() domain.SessionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Mode returns the active playback strategy.
func (p *PlaybackClient) Mode() domain.PlaybackMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Rendition returns the current adaptive rendition.
func (p *PlaybackClient) Rendition() (domain.Rendition, bool) {
	p.mu.Lock()
	selector := p.selector
	p.mu.Unlock()
	if selector == nil {
		return domain.Rendition{}, false
	}
	return selector.Current(), true
}

// Stopped reports whether playback has been released.
func (p *PlaybackClient) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
