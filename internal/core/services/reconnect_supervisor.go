package services

import (
	"context"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/retry"

	"go.uber.org/zap"
)

// Scheduler runs fn once after d. The returned func cancels a pending run.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// TimerScheduler schedules with time.AfterFunc.
func TimerScheduler(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

type ReconnectConfig struct {
	BaseDelay  time.Duration
	MaxRetries int
	Scheduler  Scheduler
	// OnConnectionLost receives the terminal ConnectionLostError once.
	OnConnectionLost func(error)
}

// ReconnectSupervisor re-dials a signaling channel with exponential backoff.
// It only tracks its own attempt counter.
type ReconnectSupervisor struct {
	connect func(ctx context.Context) error
	cfg     ReconnectConfig
	backoff retry.Config
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts int
	stopped  bool
	pending  func()
}

func NewReconnectSupervisor(
	connect func(ctx context.Context) error,
	cfg ReconnectConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *ReconnectSupervisor {
	if cfg.Scheduler == nil {
		cfg.Scheduler = TimerScheduler
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReconnectSupervisor{
		connect: connect,
		cfg:     cfg,
		backoff: retry.Config{InitialDelay: cfg.BaseDelay, Multiplier: 2.0},
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// HandleStateChange reacts to a signaling connected/disconnected transition.
func (s *ReconnectSupervisor) HandleStateChange(state domain.ConnectionState) {
	switch state {
	case domain.ConnectionConnected:
		s.markConnected()
	case domain.ConnectionDisconnected:
		s.scheduleAttempt()
	}
}

func (s *ReconnectSupervisor) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts > 0 {
		s.logger.Infow("signaling reconnected", "attempts", s.attempts)
	}
	s.attempts = 0
}

func (s *ReconnectSupervisor) scheduleAttempt() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.pending != nil {
		s.pending()
		s.pending = nil
	}

	if s.attempts >= s.cfg.MaxRetries {
		attempts := s.attempts
		s.stopped = true
		s.mu.Unlock()

		s.cancel()
		err := domain.NewConnectionLostError(attempts, nil)
		s.logger.Errorw("signaling reconnect budget exhausted", "attempts", attempts)
		if s.cfg.OnConnectionLost != nil {
			s.cfg.OnConnectionLost(err)
		}
		return
	}

	delay := retry.Delay(s.backoff, s.attempts)
	s.attempts++
	attempt := s.attempts
	s.pending = s.cfg.Scheduler(delay, s.attempt)
	s.mu.Unlock()

	s.metrics.IncReconnectAttempts()
	s.logger.Infow("signaling reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (s *ReconnectSupervisor) attempt() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	if err := s.connect(s.ctx); err != nil {
		s.logger.Warnw("signaling reconnect attempt failed", "error", err)
		s.scheduleAttempt()
		return
	}
	s.markConnected()
}

// Attempts returns the number of attempts scheduled since the last successful connect.
func (s *ReconnectSupervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Stop cancels any pending attempt; later state changes are ignored.
func (s *ReconnectSupervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.pending != nil {
		s.pending()
		s.pending = nil
	}
	s.mu.Unlock()
	s.cancel()
}
