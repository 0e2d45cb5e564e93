package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/go-resty/resty/v2"
	"github.com/grafov/m3u8"
	"go.uber.org/zap"
)

type PlayerConfig struct {
	PollInterval time.Duration
	// MaxFailures is the number of consecutive failed playlist polls that
	// end playback with a fatal error.
	MaxFailures int
	// Output receives every downloaded segment. Nil discards them.
	Output io.Writer
}

var errAlreadyPlaying = errors.New("player is already playing")

// HLSPlayer follows a live media playlist and downloads its segments. Every
// segment download is reported as a throughput sample.
type HLSPlayer struct {
	client *resty.Client
	cfg    PlayerConfig
	logger *zap.SugaredLogger

	mu        sync.Mutex
	rendition domain.Rendition
	onFatal   func(error)
	onSample  func(domain.NetworkMetrics)
	cancel    context.CancelFunc
	done      chan struct{}
	next      uint64
	primed    bool
}

func NewHLSPlayer(client *resty.Client, cfg PlayerConfig, logger *zap.SugaredLogger) *HLSPlayer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	return &HLSPlayer{client: client, cfg: cfg, logger: logger}
}

var _ ports.AdaptivePlayer = (*HLSPlayer)(nil)

func (p *HLSPlayer) SupportsAdaptive() bool { return true }

func (p *HLSPlayer) OnFatalError(fn func(error)) {
	p.mu.Lock()
	p.onFatal = fn
	p.mu.Unlock()
}

// OnSample registers the receiver of throughput samples.
func (p *HLSPlayer) OnSample(fn func(domain.NetworkMetrics)) {
	p.mu.Lock()
	p.onSample = fn
	p.mu.Unlock()
}

func (p *HLSPlayer) Play(ctx context.Context, rendition domain.Rendition) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return errAlreadyPlaying
	}
	p.mu.Unlock()

	if _, err := p.mediaPlaylist(ctx, rendition.URI); err != nil {
		return fmt.Errorf("play %s: %w", rendition.Name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		cancel()
		return errAlreadyPlaying
	}
	p.rendition = rendition
	p.cancel = cancel
	p.done = make(chan struct{})
	p.primed = false
	done := p.done
	p.mu.Unlock()

	p.logger.Infow("playback started", "rendition", rendition.Name, "uri", rendition.URI)
	go p.run(loopCtx, done)
	return nil
}

// Switch moves playback to rendition from the next playlist poll on.
// Renditions of one live stream share media sequence numbers.
func (p *HLSPlayer) Switch(ctx context.Context, rendition domain.Rendition) error {
	if _, err := p.mediaPlaylist(ctx, rendition.URI); err != nil {
		return err
	}
	p.mu.Lock()
	previous := p.rendition.Name
	p.rendition = rendition
	p.mu.Unlock()
	p.logger.Infow("rendition switched", "from", previous, "to", rendition.Name)
	return nil
}

func (p *HLSPlayer) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Current returns the rendition being played.
func (p *HLSPlayer) Current() domain.Rendition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rendition
}

func (p *HLSPlayer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		ended, err := p.poll(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			failures++
			p.logger.Warnw("playlist poll failed", "failures", failures, "error", err)
			if failures >= p.cfg.MaxFailures {
				p.fatal(fmt.Errorf("playback stalled after %d failed polls: %w", failures, err))
				return
			}
		case ended:
			p.logger.Infow("playlist ended")
			return
		default:
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll downloads the segments not yet played. The first poll starts at the
// live edge.
func (p *HLSPlayer) poll(ctx context.Context) (bool, error) {
	p.mu.Lock()
	rendition := p.rendition
	p.mu.Unlock()

	playlist, err := p.mediaPlaylist(ctx, rendition.URI)
	if err != nil {
		return false, err
	}
	base, err := url.Parse(rendition.URI)
	if err != nil {
		return false, err
	}

	segments := make([]*m3u8.MediaSegment, 0, playlist.Count())
	for _, s := range playlist.Segments {
		if s != nil {
			segments = append(segments, s)
		}
	}

	p.mu.Lock()
	if !p.primed && len(segments) > 0 {
		p.next = segments[len(segments)-1].SeqId
		p.primed = true
	}
	next := p.next
	p.mu.Unlock()

	for _, s := range segments {
		if s.SeqId < next {
			continue
		}
		ref, err := url.Parse(s.URI)
		if err != nil {
			return false, fmt.Errorf("segment %d: %w", s.SeqId, err)
		}
		if err := p.download(ctx, base.ResolveReference(ref).String()); err != nil {
			return false, err
		}
		next = s.SeqId + 1
		p.mu.Lock()
		p.next = next
		p.mu.Unlock()
	}
	return playlist.Closed, nil
}

func (p *HLSPlayer) download(ctx context.Context, segmentURL string) error {
	start := time.Now()
	body, err := get(ctx, p.client, segmentURL)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	if _, err := io.Copy(p.cfg.Output, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}

	p.mu.Lock()
	onSample := p.onSample
	p.mu.Unlock()
	if onSample == nil || elapsed <= 0 {
		return nil
	}
	// samples may trigger a Switch or Stop, so they run off the poll loop
	go onSample(domain.NetworkMetrics{
		Timestamp:     time.Now(),
		BandwidthDown: int(float64(len(body)*8) / elapsed.Seconds() / 1000),
		Latency:       elapsed,
	})
	return nil
}

func (p *HLSPlayer) mediaPlaylist(ctx context.Context, uri string) (*m3u8.MediaPlaylist, error) {
	body, err := get(ctx, p.client, uri)
	if err != nil {
		return nil, err
	}
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist %s: %w", uri, err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("playlist %s is not a media playlist", uri)
	}
	return playlist.(*m3u8.MediaPlaylist), nil
}

func (p *HLSPlayer) fatal(err error) {
	p.mu.Lock()
	onFatal, cancel := p.onFatal, p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.logger.Errorw("playback failed", "error", err)
	if onFatal != nil {
		onFatal(err)
	}
}
