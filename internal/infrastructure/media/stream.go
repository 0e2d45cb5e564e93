package media

import (
	"errors"
	"net"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// mtu bounds a single RTP datagram read from the encoder.
const mtu = 1500

// Stream is a local stream fed by RTP datagrams from an external encoder.
// Every packet is written to the matching webrtc track and copied to the
// registered sinks.
type Stream struct {
	id      string
	profile domain.ConstraintProfile
	video   *webrtc.TrackLocalStaticRTP
	audio   *webrtc.TrackLocalStaticRTP
	conns   []*net.UDPConn
	encoder *encoder
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	sinks    map[int]ports.MediaSink
	nextSink int

	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Profile() domain.ConstraintProfile { return s.profile }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, 2)
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

func (s *Stream) AddSink(sink ports.MediaSink) func() {
	s.mu.Lock()
	id := s.nextSink
	s.nextSink++
	s.sinks[id] = sink
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.sinks, id)
		s.mu.Unlock()
	}
}

// Addrs returns the local addresses the stream reads RTP from, video first.
func (s *Stream) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.conns))
	for _, c := range s.conns {
		addrs = append(addrs, c.LocalAddr())
	}
	return addrs
}

// Stop stops the encoder and closes the RTP listeners. It is idempotent.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() {
		var errs []error
		if s.encoder != nil {
			errs = append(errs, s.encoder.stop())
		}
		for _, c := range s.conns {
			errs = append(errs, c.Close())
		}
		s.wg.Wait()
		s.stopErr = errors.Join(errs...)
		s.logger.Infow("local stream stopped", "stream_id", s.id)
	})
	return s.stopErr
}

func (s *Stream) readLoop(conn *net.UDPConn, kind webrtc.RTPCodecType, track *webrtc.TrackLocalStaticRTP) {
	defer s.wg.Done()
	buf := make([]byte, mtu)
	packets := 0

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warnw("error reading RTP", "kind", kind, "error", err)
			}
			return
		}

		if _, err := track.Write(buf[:n]); err != nil {
			s.logger.Debugw("error writing RTP to track", "kind", kind, "error", err)
		}

		s.mu.RLock()
		for _, sink := range s.sinks {
			if err := sink.WriteRTP(kind, buf[:n]); err != nil {
				s.logger.Debugw("media sink rejected packet", "kind", kind, "error", err)
			}
		}
		s.mu.RUnlock()

		packets++
		if packets%1000 == 0 {
			s.logger.Debugw("forwarding RTP", "kind", kind, "packets", packets)
		}
	}
}
