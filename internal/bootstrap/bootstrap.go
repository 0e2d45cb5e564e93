// Package bootstrap holds the process wiring shared by the meshcast binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcast/internal/core/ports"
	"meshcast/internal/infrastructure/storage"
	webrtcinfra "meshcast/internal/infrastructure/webrtc"
	"meshcast/pkg/circuitbreaker"
	"meshcast/pkg/config"
	"meshcast/pkg/logger"
	"meshcast/pkg/retry"
	"meshcast/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ConfigPaths are tried in order; MESHCAST_CONFIG, when set, comes first.
var ConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/meshcast/config.yaml",
	"config.yaml",
}

// LoadConfig loads the first readable config file, or defaults with env
// overrides when none exists.
func LoadConfig() (*config.Config, string, error) {
	paths := ConfigPaths
	if p := os.Getenv("MESHCAST_CONFIG"); p != "" {
		paths = append([]string{p}, paths...)
	}
	return config.LoadFirst(paths...)
}

// NewLogger builds the process logger named after the binary.
func NewLogger(cfg *config.Config, name string) *zap.Logger {
	return logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format).Named(name)
}

// InitTracing starts the Jaeger exporter when tracing is enabled.
func InitTracing(cfg *config.Config, service string) (*tracing.TracerProvider, error) {
	tcfg := tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-" + service,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	}
	return tracing.Init(tcfg)
}

func RetryConfig(cfg *config.Config) retry.Config {
	r := retry.DefaultConfig()
	r.Enabled = cfg.Reliability.Retry.Enabled
	r.MaxAttempts = cfg.Reliability.Retry.MaxAttempts
	r.InitialDelay = cfg.Reliability.Retry.InitialDelay
	r.MaxDelay = cfg.Reliability.Retry.MaxDelay
	return r
}

func BreakerConfig(cfg *config.Config) circuitbreaker.Config {
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = cfg.Reliability.CircuitBreaker.FailureThreshold
	if cfg.Reliability.CircuitBreaker.SuccessThreshold > 0 {
		cb.SuccessThreshold = cfg.Reliability.CircuitBreaker.SuccessThreshold
	}
	if cfg.Reliability.CircuitBreaker.Timeout > 0 {
		cb.Timeout = cfg.Reliability.CircuitBreaker.Timeout
	}
	return cb
}

// WebRTCConfig converts the configured ICE servers and port range. Without
// ICE servers a public STUN server is used.
func WebRTCConfig(cfg *config.Config) webrtcinfra.Config {
	var out webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(out.ICEServers) == 0 {
		out.ICEServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// NewAssetStorage builds the configured recording storage wrapped with
// retry and circuit breaking.
func NewAssetStorage(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (ports.AssetStorage, error) {
	sc := cfg.Recording.Storage

	var store ports.AssetStorage
	switch sc.Driver {
	case "s3":
		s3cfg := storage.S3Config{
			Bucket:    sc.S3.Bucket,
			Region:    sc.S3.Region,
			Prefix:    sc.S3.Prefix,
			Endpoint:  sc.S3.Endpoint,
			PublicURL: sc.PublicURL,
		}
		client, err := storage.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 client: %w", err)
		}
		store = storage.NewS3Storage(client, s3cfg)
	case "file":
		fs, err := storage.NewFileStorage(sc.Path, sc.PublicURL)
		if err != nil {
			return nil, err
		}
		store = fs
	default:
		return nil, fmt.Errorf("unknown recording storage driver %q", sc.Driver)
	}

	log.Infow("recording storage configured", "driver", sc.Driver)
	return newStorageWrapper(store, cfg, log), nil
}

// Serve runs srv until SIGINT/SIGTERM, ctx is done or the listener fails,
// then shuts it down within timeout. cleanup runs before the server stops
// accepting requests.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, log *zap.SugaredLogger, cleanup func(ctx context.Context)) error {
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if cleanup != nil {
		cleanup(shutdownCtx)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}
	return runErr
}
