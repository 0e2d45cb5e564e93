package media

import (
	"bytes"
	"fmt"
	"sync"

	"meshcast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"go.uber.org/zap"
)

// RecordingTap writes the video of the attached stream as IVF. The file
// header is emitted with the first frame after Reset, so concatenating
// every chunk flushed between two resets yields one playable file.
// Audio packets are ignored.
type RecordingTap struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	remove func()
	buf    bytes.Buffer
	writer *ivfwriter.IVFWriter
}

func NewRecordingTap(logger *zap.SugaredLogger) *RecordingTap {
	return &RecordingTap{logger: logger}
}

var (
	_ ports.RecordingTap = (*RecordingTap)(nil)
	_ ports.Resetter     = (*RecordingTap)(nil)
)

// Attach follows stream, detaching from any previous one.
func (t *RecordingTap) Attach(stream ports.LocalStream) {
	t.Detach()
	remove := stream.AddSink(t)
	t.mu.Lock()
	t.remove = remove
	t.mu.Unlock()
	t.logger.Debugw("recording tap attached", "stream_id", stream.ID())
}

func (t *RecordingTap) Detach() {
	t.mu.Lock()
	remove := t.remove
	t.remove = nil
	t.mu.Unlock()
	if remove != nil {
		remove()
	}
}

// Reset discards buffered media and starts a new file.
func (t *RecordingTap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Reset()
	t.writer = nil
}

func (t *RecordingTap) WriteRTP(kind webrtc.RTPCodecType, packet []byte) error {
	if kind != webrtc.RTPCodecTypeVideo {
		return nil
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(packet); err != nil {
		return fmt.Errorf("unmarshal RTP: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		w, err := ivfwriter.NewWith(&t.buf)
		if err != nil {
			return fmt.Errorf("create IVF writer: %w", err)
		}
		t.writer = w
	}
	return t.writer.WriteRTP(pkt)
}

// Flush returns the bytes written since the previous Flush.
func (t *RecordingTap) Flush() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf.Len() == 0 {
		return nil, nil
	}
	chunk := bytes.Clone(t.buf.Bytes())
	t.buf.Reset()
	return chunk, nil
}

// Attached reports whether the tap follows a stream.
func (t *RecordingTap) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remove != nil
}
