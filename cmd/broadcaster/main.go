package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"meshcast/internal/bootstrap"
	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/internal/core/services"
	httphandlers "meshcast/internal/handlers/http"
	"meshcast/internal/infrastructure/distributed"
	"meshcast/internal/infrastructure/media"
	"meshcast/internal/infrastructure/middleware"
	"meshcast/internal/infrastructure/monitoring"
	"meshcast/internal/infrastructure/repositories"
	"meshcast/internal/infrastructure/signal"
	webrtcinfra "meshcast/internal/infrastructure/webrtc"
	"meshcast/pkg/auth"
	"meshcast/pkg/logger"
	"meshcast/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var errNoSignaling = errors.New("signaling channel not open")

func main() {
	cfg, path, err := bootstrap.LoadConfig()
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load config", "error", err)
	}

	zapLogger := bootstrap.NewLogger(cfg, "broadcaster")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	tp, err := bootstrap.InitTracing(cfg, "broadcaster")
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	sessions := repositories.NewCachedSessionRepository(
		bootstrap.WrapSessions(repoFactory.CreateSessionRepository(), cfg, log),
		cfg.Store.CacheTTL,
	)

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	var events ports.EventPublisher = ports.NoopEventPublisher{}
	if client := repoFactory.RedisClient(); cfg.Events.Enabled && client != nil {
		hostname, _ := os.Hostname()
		events = distributed.NewEventBus(client, cfg.Events.Channel, utils.GenerateID(hostname), log.Named("events"))
	}

	assets, err := bootstrap.NewAssetStorage(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create recording storage", "error", err)
	}

	// Transports send negotiation over whichever signaling client is current;
	// the broadcaster opens a fresh one per session.
	var current atomic.Pointer[signal.Client]
	send := func(ctx context.Context, msg domain.SignalMessage) error {
		client := current.Load()
		if client == nil {
			return errNoSignaling
		}
		return client.Send(ctx, msg)
	}
	newChannel := func() ports.SignalingChannel {
		client := signal.NewClient(signal.ClientConfig{
			URL:          cfg.Signal.URL,
			Token:        cfg.Signal.Token,
			WriteTimeout: cfg.Signal.WriteTimeout,
			ReadTimeout:  cfg.Signal.PongTimeout,
		}, log.Named("signal"))
		current.Store(client)
		return client
	}

	transports, err := webrtcinfra.NewTransportFactory(bootstrap.WebRTCConfig(cfg), send, log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create transport factory", "error", err)
	}

	acquirer := media.NewRTPAcquirer(media.AcquirerConfig{
		VideoAddress:   cfg.Media.VideoAddress,
		AudioAddress:   cfg.Media.AudioAddress,
		CaptureCommand: cfg.Media.CaptureCommand,
	}, log.Named("media"))

	broadcaster := services.NewBroadcaster(services.BroadcasterDeps{
		Sessions:   sessions,
		Media:      acquirer,
		Transports: transports,
		Signaling:  newChannel,
		Tap:        media.NewRecordingTap(log.Named("tap")),
		Storage:    assets,
		Events:     events,
		Metrics:    collector,
	}, services.BroadcasterConfig{
		Reconnect: services.ReconnectConfig{
			BaseDelay:  cfg.Reconnect.BaseDelay,
			MaxRetries: cfg.Reconnect.MaxRetries,
		},
		Recording: services.RecordingConfig{
			ChunkInterval: cfg.Recording.ChunkInterval,
			UploadTimeout: cfg.Recording.UploadTimeout,
		},
		DefaultTier: domain.QualityTier(cfg.Session.DefaultQuality),
	}, loggingHooks(log), log.Named("session"))

	if cfg.Session.AutoStart {
		startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
		session, err := broadcaster.Start(startCtx, domain.SessionOptions{
			Title:       cfg.Session.Title,
			Description: cfg.Session.Description,
			Tags:        cfg.Session.Tags,
			QualityTier: domain.QualityTier(cfg.Session.DefaultQuality),
			Record:      cfg.Session.Record,
		})
		startCancel()
		if err != nil {
			log.Fatalw("failed to start broadcast", "error", err)
		}
		log.Infow("broadcast started", "session_id", session.ID)
	}

	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck("stores", repoFactory.HealthCheck, cfg.Monitoring.HealthInterval, 2*time.Second)
	checker.AddRepositoryCheck(sessions, cfg.Monitoring.HealthInterval, 2*time.Second)
	checker.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	health := httphandlers.NewHealthHandler(checker, prometheus.DefaultGatherer, func() interface{} {
		return broadcaster.Stats()
	})
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", health.Metrics())
		log.Info("Prometheus metrics enabled")
	}

	if cfg.Recording.Storage.Driver == "file" {
		router.Static("/recordings", cfg.Recording.Storage.Path)
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(verifier), middleware.RequireRole(verifier, auth.RoleBroadcaster))
	httphandlers.NewBroadcastHandler(broadcaster, log.Named("api")).SetupRoutes(api)
	httphandlers.NewSessionHandler(sessions).SetupRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	err = bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, log, func(ctx context.Context) {
		if _, err := broadcaster.End(ctx); err != nil {
			log.Errorw("error ending broadcast", "error", err)
		}
		if err := broadcaster.WaitUploads(ctx); err != nil {
			log.Warnw("recording upload still in flight at shutdown", "error", err)
		}
		cancel()
		if err := repoFactory.Close(ctx); err != nil {
			log.Errorw("error closing repository factory", "error", err)
		}
		if err := tp.Shutdown(ctx); err != nil {
			log.Errorw("error shutting down tracing", "error", err)
		}
	})
	if err != nil {
		log.Fatalw("broadcaster stopped with error", "error", err)
	}
	log.Info("broadcaster stopped")
}

func loggingHooks(log *zap.SugaredLogger) *domain.Hooks {
	return &domain.Hooks{
		OnViewerJoined: func(id domain.ViewerID) {
			log.Infow("viewer joined", "viewer_id", id)
		},
		OnViewerLeft: func(id domain.ViewerID) {
			log.Infow("viewer left", "viewer_id", id)
		},
		OnStreamEnded: func(s *domain.BroadcastSession) {
			log.Infow("broadcast ended", "session_id", s.ID, "recording_url", s.RecordingURL)
		},
		OnError: func(err error) {
			log.Warnw("session error", "error", err)
		},
		OnConnectionStateChange: func(state domain.ConnectionState) {
			log.Infow("signaling state changed", "state", state)
		},
		OnQualityChange: func(quality string) {
			log.Infow("quality changed", "quality", quality)
		},
	}
}
