package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures the peer connections of both sides.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// SendFunc delivers a negotiation message over signaling.
type SendFunc func(ctx context.Context, msg domain.SignalMessage) error

var errTransportFailed = errors.New("peer connection failed")

func newAPI(cfg Config) (*webrtc.API, webrtc.Configuration, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, webrtc.Configuration{}, fmt.Errorf("set UDP port range: %w", err)
		}
	}
	config := webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)), config, nil
}

// TransportFactory opens one outbound peer connection per viewer. The
// broadcaster is the offerer; answers and candidates from the viewer reach
// the transport through HandleSignal.
type TransportFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	send   SendFunc
	logger *zap.SugaredLogger
}

func NewTransportFactory(cfg Config, send SendFunc, logger *zap.SugaredLogger) (*TransportFactory, error) {
	api, config, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &TransportFactory{api: api, config: config, send: send, logger: logger}, nil
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

func (f *TransportFactory) Open(ctx context.Context, viewerID domain.ViewerID, stream ports.LocalStream, cb ports.TransportCallbacks) (ports.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &Transport{
		viewerID: viewerID,
		pc:       pc,
		cb:       cb,
		logger:   f.logger.With("viewer_id", viewerID),
	}

	for _, track := range stream.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go t.readRTCP(sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		msg, err := domain.NewSignalMessage(domain.SignalICECandidate, "", c.ToJSON())
		if err != nil {
			t.logger.Warnw("failed to encode ICE candidate", "error", err)
			return
		}
		msg.To = viewerID
		if err := f.send(context.Background(), msg); err != nil {
			t.logger.Debugw("failed to send ICE candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(t.handleConnectionState)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}

	msg, err := domain.NewSignalMessage(domain.SignalOffer, "", domain.SessionDescriptionPayload{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	msg.To = viewerID
	if err := f.send(ctx, msg); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	t.logger.Debugw("offer sent", "tracks", len(stream.Tracks()))
	return t, nil
}

// Transport is one broadcaster-side peer connection to a viewer.
type Transport struct {
	viewerID domain.ViewerID
	pc       *webrtc.PeerConnection
	cb       ports.TransportCallbacks
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	remoteSet   bool
	candidates  []webrtc.ICECandidateInit
	closed      bool
	established bool
	stats       domain.LinkStats
}

var _ ports.LinkReporter = (*Transport)(nil)

func (t *Transport) HandleSignal(msg domain.SignalMessage) error {
	switch msg.Type {
	case domain.SignalAnswer:
		var payload domain.SessionDescriptionPayload
		if err := msg.Decode(&payload); err != nil {
			return err
		}
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		t.mu.Lock()
		t.remoteSet = true
		pending := t.candidates
		t.candidates = nil
		t.mu.Unlock()
		for _, c := range pending {
			if err := t.pc.AddICECandidate(c); err != nil {
				t.logger.Debugw("failed to add queued ICE candidate", "error", err)
			}
		}
		return nil

	case domain.SignalICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := msg.Decode(&candidate); err != nil {
			return err
		}
		t.mu.Lock()
		if !t.remoteSet {
			t.candidates = append(t.candidates, candidate)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		return t.pc.AddICECandidate(candidate)

	default:
		return fmt.Errorf("unexpected %s message for transport", msg.Type)
	}
}

func (t *Transport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Infow("viewer connection state changed", "connection_state", state)

	t.mu.Lock()
	closed := t.closed
	first := state == webrtc.PeerConnectionStateConnected && !t.established
	if first {
		t.established = true
	}
	t.mu.Unlock()
	if closed {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if first && t.cb.OnEstablished != nil {
			t.cb.OnEstablished()
		}
	case webrtc.PeerConnectionStateFailed:
		if t.cb.OnError != nil {
			t.cb.OnError(errTransportFailed)
		}
	case webrtc.PeerConnectionStateClosed:
		if t.cb.OnClosed != nil {
			t.cb.OnClosed()
		}
	}
}

// Close closes the peer connection. Callbacks are not invoked afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

// LinkStats returns the latest receiver report figures.
func (t *Transport) LinkStats() domain.LinkStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Transport) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		t.processRTCP(packets, time.Now())
	}
}

// ntpEpochOffset is the number of seconds from 1900 to 1970.
const ntpEpochOffset = 2208988800

// ntpCompact returns the middle 32 bits of the NTP timestamp of at, the
// 16.16 fixed point format of the LSR and DLSR report fields.
func ntpCompact(at time.Time) uint32 {
	secs := uint64(at.Unix()) + ntpEpochOffset
	frac := uint64(at.Nanosecond()) << 32 / uint64(time.Second)
	return uint32(secs<<16) | uint32(frac>>16)
}

// roundTrip derives the RTT from a reception report received at now.
// It reports false when the report does not reference a sender report
// or the result would be negative.
func roundTrip(report rtcp.ReceptionReport, now time.Time) (time.Duration, bool) {
	if report.LastSenderReport == 0 {
		return 0, false
	}
	rtt := int32(ntpCompact(now) - report.LastSenderReport - report.Delay)
	if rtt < 0 {
		return 0, false
	}
	return time.Duration(rtt) * time.Second / 65536, true
}

func (t *Transport) processRTCP(packets []rtcp.Packet, now time.Time) {
	var (
		totalLoss   float64
		totalJitter uint32
		totalRTT    time.Duration
		reports     int
		rttReports  int
		nacks, plis int
	)

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				totalLoss += float64(report.FractionLost) / 256.0
				totalJitter += report.Jitter
				if rtt, ok := roundTrip(report, now); ok {
					totalRTT += rtt
					rttReports++
				}
				reports++
			}
		case *rtcp.TransportLayerNack:
			nacks += len(p.Nacks)
		case *rtcp.PictureLossIndication:
			plis++
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.NACKs += nacks
	t.stats.PLIs += plis
	if reports > 0 {
		t.stats.PacketLoss = totalLoss / float64(reports)
		t.stats.Jitter = totalJitter / uint32(reports)
		t.stats.UpdatedAt = now
	}
	if rttReports > 0 {
		t.stats.RTT = totalRTT / time.Duration(rttReports)
	}
}
