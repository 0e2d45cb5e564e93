package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type AcquirerConfig struct {
	VideoAddress  string
	AudioAddress  string
	VideoMimeType string
	AudioMimeType string
	// CaptureCommand starts the encoder that sends RTP to the listeners.
	// Arguments may use {width}, {height}, {framerate}, {samplerate},
	// {video_port} and {audio_port}. Empty means RTP is produced elsewhere.
	CaptureCommand []string
}

// RTPAcquirer acquires local media by listening for RTP from an encoder
// configured with the requested constraint profile.
type RTPAcquirer struct {
	cfg    AcquirerConfig
	logger *zap.SugaredLogger
}

func NewRTPAcquirer(cfg AcquirerConfig, logger *zap.SugaredLogger) *RTPAcquirer {
	if cfg.VideoMimeType == "" {
		cfg.VideoMimeType = webrtc.MimeTypeVP8
	}
	if cfg.AudioMimeType == "" {
		cfg.AudioMimeType = webrtc.MimeTypeOpus
	}
	return &RTPAcquirer{cfg: cfg, logger: logger}
}

var _ ports.MediaAcquirer = (*RTPAcquirer)(nil)

func (a *RTPAcquirer) Acquire(ctx context.Context, profile domain.ConstraintProfile) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := utils.GenerateID("stream")
	s := &Stream{
		id:      id,
		profile: profile,
		sinks:   make(map[int]ports.MediaSink),
		logger:  a.logger.With("stream_id", id),
	}

	videoConn, err := listenRTP(a.cfg.VideoAddress)
	if err != nil {
		return nil, fmt.Errorf("listen for video RTP: %w", err)
	}
	s.conns = append(s.conns, videoConn)

	s.video, err = webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: a.cfg.VideoMimeType, ClockRate: 90000},
		"video",
		id,
	)
	if err != nil {
		s.closeConns()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	var audioConn *net.UDPConn
	if a.cfg.AudioAddress != "" {
		audioConn, err = listenRTP(a.cfg.AudioAddress)
		if err != nil {
			s.closeConns()
			return nil, fmt.Errorf("listen for audio RTP: %w", err)
		}
		s.conns = append(s.conns, audioConn)

		s.audio, err = webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: a.cfg.AudioMimeType, ClockRate: 48000, Channels: 2},
			"audio",
			id,
		)
		if err != nil {
			s.closeConns()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
	}

	if len(a.cfg.CaptureCommand) > 0 {
		enc, err := startEncoder(a.cfg.CaptureCommand, profile, videoConn, audioConn, s.logger)
		if err != nil {
			s.closeConns()
			return nil, fmt.Errorf("start encoder: %w", err)
		}
		s.encoder = enc
	}

	s.wg.Add(1)
	go s.readLoop(videoConn, webrtc.RTPCodecTypeVideo, s.video)
	if audioConn != nil {
		s.wg.Add(1)
		go s.readLoop(audioConn, webrtc.RTPCodecTypeAudio, s.audio)
	}

	a.logger.Infow("local stream acquired",
		"stream_id", id,
		"width", profile.Width,
		"height", profile.Height,
		"frame_rate", profile.FrameRate,
		"sample_rate", profile.SampleRate,
	)
	return s, nil
}

func (s *Stream) closeConns() {
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func listenRTP(address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

type encoder struct {
	cmd  *exec.Cmd
	done chan error
}

func startEncoder(command []string, profile domain.ConstraintProfile, video, audio *net.UDPConn, logger *zap.SugaredLogger) (*encoder, error) {
	replacer := strings.NewReplacer(
		"{width}", strconv.Itoa(profile.Width),
		"{height}", strconv.Itoa(profile.Height),
		"{framerate}", strconv.Itoa(profile.FrameRate),
		"{samplerate}", strconv.Itoa(profile.SampleRate),
		"{video_port}", portOf(video),
		"{audio_port}", portOf(audio),
	)
	args := make([]string, len(command))
	for i, arg := range command {
		args[i] = replacer.Replace(arg)
	}

	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	e := &encoder{cmd: cmd, done: make(chan error, 1)}
	go func() { e.done <- cmd.Wait() }()

	logger.Infow("encoder started", "command", args[0], "pid", cmd.Process.Pid)
	return e, nil
}

func (e *encoder) stop() error {
	if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill encoder: %w", err)
	}
	err := <-e.done
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("wait for encoder: %w", err)
	}
	return nil
}

func portOf(conn *net.UDPConn) string {
	if conn == nil {
		return ""
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return strconv.Itoa(addr.Port)
	}
	return ""
}
