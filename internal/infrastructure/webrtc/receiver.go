package webrtc

import (
	"context"
	"fmt"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackHandler consumes a remote track until it ends.
type TrackHandler func(track *webrtc.TrackRemote)

// Receiver answers the broadcaster's offer on the viewer side. A new offer
// replaces the current peer connection, which happens when the broadcaster
// reopens the viewer's transport.
//
// Every installed peer connection gets a generation. Await only counts a
// connection as established when it is still current and was installed
// after the last Expect.
type Receiver struct {
	viewerID domain.ViewerID
	api      *webrtc.API
	config   webrtc.Configuration
	send     SendFunc
	onTrack  TrackHandler
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	generation  uint64
	armedAt     uint64
	ready       chan struct{}
	readyClosed bool
	remoteSet   bool
	candidates  []webrtc.ICECandidateInit
	closed      bool
}

func NewReceiver(viewerID domain.ViewerID, cfg Config, send SendFunc, onTrack TrackHandler, logger *zap.SugaredLogger) (*Receiver, error) {
	api, config, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	if onTrack == nil {
		onTrack = DrainTrack
	}
	return &Receiver{
		viewerID: viewerID,
		api:      api,
		config:   config,
		send:     send,
		onTrack:  onTrack,
		logger:   logger,
		ready:    make(chan struct{}),
	}, nil
}

var _ ports.DirectReceiver = (*Receiver)(nil)

func (r *Receiver) HandleSignal(msg domain.SignalMessage) error {
	switch msg.Type {
	case domain.SignalOffer:
		return r.applyOffer(msg)
	case domain.SignalICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := msg.Decode(&candidate); err != nil {
			return err
		}
		r.mu.Lock()
		pc := r.pc
		if pc == nil || !r.remoteSet {
			r.candidates = append(r.candidates, candidate)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		return pc.AddICECandidate(candidate)
	default:
		return fmt.Errorf("unexpected %s message for receiver", msg.Type)
	}
}

func (r *Receiver) applyOffer(msg domain.SignalMessage) error {
	var payload domain.SessionDescriptionPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	pc, err := r.api.NewPeerConnection(r.config)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	gen, err := r.install(pc)
	if err != nil {
		_ = pc.Close()
		return err
	}

	sessionID := msg.SessionID
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.logger.Infow("remote track received", "kind", track.Kind(), "codec", track.Codec().MimeType)
		r.onTrack(track)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		out, err := domain.NewSignalMessage(domain.SignalICECandidate, sessionID, c.ToJSON())
		if err != nil {
			return
		}
		out.From = r.viewerID
		if err := r.send(context.Background(), out); err != nil {
			r.logger.Debugw("failed to send ICE candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Infow("direct transport state changed", "connection_state", state)
		if state == webrtc.PeerConnectionStateConnected {
			r.connected(pc, gen)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	r.mu.Lock()
	var pending []webrtc.ICECandidateInit
	if r.pc == pc {
		r.remoteSet = true
		pending = r.candidates
		r.candidates = nil
	}
	r.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			r.logger.Debugw("failed to add queued ICE candidate", "error", err)
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	out, err := domain.NewSignalMessage(domain.SignalAnswer, sessionID, domain.SessionDescriptionPayload{
		Type: answer.Type.String(),
		SDP:  answer.SDP,
	})
	if err != nil {
		return err
	}
	out.From = r.viewerID
	return r.send(context.Background(), out)
}

// install makes pc the current peer connection and closes the one it
// replaces.
func (r *Receiver) install(pc *webrtc.PeerConnection) (uint64, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, domain.ErrChannelClosed
	}
	previous := r.pc
	r.pc = pc
	r.remoteSet = false
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	if previous != nil {
		r.logger.Infow("replacing direct transport after new offer", "generation", gen)
		_ = previous.Close()
	}
	return gen, nil
}

// connected marks generation gen as established if it is still current
// and newer than the last Expect.
func (r *Receiver) connected(pc *webrtc.PeerConnection, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pc != pc || gen <= r.armedAt || r.readyClosed {
		return
	}
	r.readyClosed = true
	close(r.ready)
}

func (r *Receiver) Expect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armedAt = r.generation
	if r.readyClosed {
		r.ready = make(chan struct{})
		r.readyClosed = false
	}
}

// Await blocks until a peer connection installed after the last Expect is
// established.
func (r *Receiver) Await(ctx context.Context) error {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pc := r.pc
	r.pc = nil
	r.mu.Unlock()

	if pc == nil {
		return nil
	}
	return pc.Close()
}

// DrainTrack reads and discards a track so its buffers never fill.
func DrainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
