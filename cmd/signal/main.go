package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"meshcast/internal/bootstrap"
	"meshcast/internal/core/domain"
	httphandlers "meshcast/internal/handlers/http"
	"meshcast/internal/infrastructure/distributed"
	"meshcast/internal/infrastructure/middleware"
	"meshcast/internal/infrastructure/monitoring"
	"meshcast/internal/infrastructure/repositories"
	"meshcast/internal/infrastructure/signal"
	"meshcast/pkg/auth"
	"meshcast/pkg/logger"
	"meshcast/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, path, err := bootstrap.LoadConfig()
	if err != nil {
		zapLogger := logger.New("info")
		zapLogger.Sugar().Fatalw("failed to load config", "error", err)
	}

	zapLogger := bootstrap.NewLogger(cfg, "signal")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	tp, err := bootstrap.InitTracing(cfg, "signal")
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is only needed here for the event bus.
	cfg.Store.Driver = "memory"
	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	hubCfg := signal.HubConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		hubCfg.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
		hubCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	hub := signal.NewHub(hubCfg, verifier, collector, log.Named("hub"))
	if verifier.Enabled() {
		log.Info("bearer token verification enabled")
	}

	if client := repoFactory.RedisClient(); cfg.Events.Enabled && client != nil {
		hostname, _ := os.Hostname()
		bus := distributed.NewEventBus(client, cfg.Events.Channel, utils.GenerateID(hostname), log.Named("events"))
		go func() {
			err := bus.Subscribe(ctx, func(event domain.SessionEvent) error {
				collector.RecordSessionEvent(event)
				log.Infow("session event",
					"type", event.Type,
					"session_id", event.SessionID,
					"viewer_id", event.ViewerID,
				)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				log.Warnw("event subscription stopped", "error", err)
			}
		}()
	}

	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck("stores", repoFactory.HealthCheck, cfg.Monitoring.HealthInterval, 2*time.Second)
	checker.AddCapacityCheck("connections", func() int { return hub.Stats().Connections }, hubCfg.MaxConnections, cfg.Monitoring.HealthInterval)
	checker.StartBackgroundChecks(ctx)
	health := httphandlers.NewHealthHandler(checker, prometheus.DefaultGatherer, nil)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
	)

	router.GET("/ws", gin.WrapF(hub.HandleWebSocket))
	router.GET("/health", gin.WrapF(hub.HealthCheck))
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", health.Metrics())
	}

	// No WriteTimeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	err = bootstrap.Serve(ctx, srv, cfg.Signal.ShutdownTimeout, log, func(ctx context.Context) {
		hub.Shutdown()
		cancel()
		if err := repoFactory.Close(ctx); err != nil {
			log.Errorw("error closing repository factory", "error", err)
		}
		if err := tp.Shutdown(ctx); err != nil {
			log.Errorw("error shutting down tracing", "error", err)
		}
	})
	if err != nil {
		log.Fatalw("signal server stopped with error", "error", err)
	}
	log.Info("signal server stopped")
}
