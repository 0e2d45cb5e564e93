package ports

import (
	"context"

	"meshcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// SignalingChannel is a duplex control-plane connection. Messages returns the
// same channel across reconnects; it is closed only by Close. A failed
// Connect reports no state change.
type SignalingChannel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg domain.SignalMessage) error
	Messages() <-chan domain.SignalMessage
	OnConnectionStateChange(fn func(domain.ConnectionState))
	Close() error
}

// LocalStream is the broadcaster's acquired media. It is owned by the
// session; consumers only read its tracks.
type LocalStream interface {
	ID() string
	Profile() domain.ConstraintProfile
	Tracks() []webrtc.TrackLocal
	// AddSink receives every media packet written to the stream's tracks.
	// The returned func detaches the sink.
	AddSink(sink MediaSink) (remove func())
	Stop() error
}

// MediaSink consumes raw RTP packets, e.g. the recording tap.
type MediaSink interface {
	WriteRTP(kind webrtc.RTPCodecType, packet []byte) error
}

type MediaAcquirer interface {
	Acquire(ctx context.Context, profile domain.ConstraintProfile) (LocalStream, error)
}

// TransportCallbacks are invoked by a transport at most once each for
// established and closed; errored may be followed by closed.
type TransportCallbacks struct {
	OnEstablished func()
	OnClosed      func()
	OnError       func(error)
}

// Transport is one outbound media connection to one viewer.
type Transport interface {
	HandleSignal(msg domain.SignalMessage) error
	Close() error
}

// LinkReporter is implemented by transports that track the viewer's
// receiver reports.
type LinkReporter interface {
	LinkStats() domain.LinkStats
}

type TransportFactory interface {
	Open(ctx context.Context, viewerID domain.ViewerID, stream LocalStream, cb TransportCallbacks) (Transport, error)
}

// ChunkSource yields the media captured since the previous Flush.
type ChunkSource interface {
	Flush() ([]byte, error)
}

// Resetter is implemented by chunk sources that keep per-recording state,
// such as a container header written once per file.
type Resetter interface {
	Reset()
}

// RecordingTap is a ChunkSource that can follow the current local stream.
type RecordingTap interface {
	ChunkSource
	Attach(stream LocalStream)
	Detach()
}

type MetricsRecorder interface {
	SetSessionLive(live bool)
	SetViewers(n int)
	IncViewerJoins()
	IncTransportErrors()
	IncReconnectAttempts()
	IncQualityChanges(tier string)
	ObserveRecordingUpload(success bool, bytes int, seconds float64)
}

type NoopMetrics struct{}

func (NoopMetrics) SetSessionLive(bool)                       {}
func (NoopMetrics) SetViewers(int)                            {}
func (NoopMetrics) IncViewerJoins()                           {}
func (NoopMetrics) IncTransportErrors()                       {}
func (NoopMetrics) IncReconnectAttempts()                     {}
func (NoopMetrics) IncQualityChanges(string)                  {}
func (NoopMetrics) ObserveRecordingUpload(bool, int, float64) {}
