package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/tracing"

	"go.uber.org/zap"
)

type RecordingConfig struct {
	ChunkInterval time.Duration
	UploadTimeout time.Duration
}

// RecordingCompleteFunc receives the asset URL after a successful upload.
type RecordingCompleteFunc func(url string, recordedAt time.Time)

// RecordingPipeline buffers fixed-interval chunks for one session and
// uploads the concatenated asset when stopped. Upload is best effort and
// never blocks the caller.
type RecordingPipeline struct {
	storage ports.AssetStorage
	cfg     RecordingConfig
	hooks   *domain.Hooks
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu         sync.Mutex
	active     bool
	sessionID  domain.SessionID
	source     ports.ChunkSource
	buffer     *domain.RecordingBuffer
	stopTicker context.CancelFunc
	tickerDone chan struct{}

	uploads sync.WaitGroup
}

func NewRecordingPipeline(
	storage ports.AssetStorage,
	cfg RecordingConfig,
	hooks *domain.Hooks,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *RecordingPipeline {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &RecordingPipeline{
		storage: storage,
		cfg:     cfg,
		hooks:   hooks,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Start begins capturing chunks from source every ChunkInterval.
func (p *RecordingPipeline) Start(sessionID domain.SessionID, source ports.ChunkSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return fmt.Errorf("recording already active for session %s", p.sessionID)
	}

	if r, ok := source.(ports.Resetter); ok {
		r.Reset()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.active = true
	p.sessionID = sessionID
	p.source = source
	p.buffer = domain.NewRecordingBuffer()
	p.stopTicker = cancel
	p.tickerDone = make(chan struct{})

	go p.captureLoop(ctx, p.tickerDone)

	p.logger.Infow("recording started", "session_id", sessionID, "chunk_interval", p.cfg.ChunkInterval)
	return nil
}

func (p *RecordingPipeline) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CaptureChunk()
		}
	}
}

// CaptureChunk moves whatever the source captured since the last call into
// the buffer. It is a no-op when recording is not active.
func (p *RecordingPipeline) CaptureChunk() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	source, buffer := p.source, p.buffer
	p.mu.Unlock()

	p.capture(source, buffer)
}

func (p *RecordingPipeline) capture(source ports.ChunkSource, buffer *domain.RecordingBuffer) {
	chunk, err := source.Flush()
	if err != nil {
		p.logger.Warnw("recording chunk capture failed", "error", err)
		return
	}
	if len(chunk) == 0 {
		return
	}
	if err := buffer.Append(chunk); err != nil && !errors.Is(err, domain.ErrBufferFinalized) {
		p.logger.Warnw("recording chunk dropped", "error", err)
	}
}

// Stop captures the tail, finalizes the buffer and starts the upload in the
// background. onComplete runs only if the upload succeeds. It reports
// whether a recording was active.
func (p *RecordingPipeline) Stop(onComplete RecordingCompleteFunc) bool {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return false
	}
	p.active = false
	sessionID, source, buffer := p.sessionID, p.source, p.buffer
	stopTicker, tickerDone := p.stopTicker, p.tickerDone
	p.source, p.buffer = nil, nil
	p.mu.Unlock()

	stopTicker()
	<-tickerDone

	p.capture(source, buffer)
	chunks := buffer.Len()
	data, err := buffer.Concat()
	buffer.Discard()
	if err != nil {
		p.logger.Errorw("recording buffer finalize failed", "session_id", sessionID, "error", err)
		return true
	}
	if len(data) == 0 {
		p.logger.Infow("recording empty, nothing to upload", "session_id", sessionID)
		return true
	}

	p.logger.Infow("recording stopped", "session_id", sessionID, "chunks", chunks, "bytes", len(data))

	p.uploads.Add(1)
	go func() {
		defer p.uploads.Done()
		p.upload(sessionID, data, onComplete)
	}()
	return true
}

// AssetName returns the write-once object name for a recording.
func AssetName(sessionID domain.SessionID, createdAt time.Time) string {
	return fmt.Sprintf("recording-%s-%d.ivf", sessionID, createdAt.UnixMilli())
}

func (p *RecordingPipeline) upload(sessionID domain.SessionID, data []byte, onComplete RecordingCompleteFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.UploadTimeout)
	defer cancel()

	start := p.now()
	name := AssetName(sessionID, start)

	ctx, span := tracing.TraceSession(ctx, "recording.upload", string(sessionID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.SizeKey.Int(len(data)))

	url, err := p.put(ctx, name, data)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		tracing.RecordError(ctx, err)
		p.metrics.ObserveRecordingUpload(false, len(data), elapsed)
		p.logger.Errorw("recording upload failed", "session_id", sessionID, "asset", name, "error", err)
		p.hooks.Error(domain.NewRecordingError("upload "+name, err))
		return
	}

	p.metrics.ObserveRecordingUpload(true, len(data), elapsed)
	p.logger.Infow("recording uploaded", "session_id", sessionID, "asset", name, "url", url, "bytes", len(data))
	if onComplete != nil {
		onComplete(url, p.now().UTC())
	}
}

func (p *RecordingPipeline) put(ctx context.Context, name string, data []byte) (string, error) {
	if err := p.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("save: %w", err)
	}
	url, err := p.storage.URL(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve url: %w", err)
	}
	return url, nil
}

// Active reports whether chunks are being captured.
func (p *RecordingPipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Wait blocks until in-flight uploads finish or ctx is done.
func (p *RecordingPipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
