package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"sync"
	"time"

	"meshcast/internal/bootstrap"
	"meshcast/internal/core/domain"
	"meshcast/internal/core/services"
	httphandlers "meshcast/internal/handlers/http"
	"meshcast/internal/infrastructure/middleware"
	"meshcast/internal/infrastructure/monitoring"
	"meshcast/internal/infrastructure/playback"
	"meshcast/internal/infrastructure/signal"
	webrtcinfra "meshcast/internal/infrastructure/webrtc"
	"meshcast/pkg/logger"
	"meshcast/pkg/utils"
	"meshcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	sessionFlag := flag.String("session", os.Getenv("MESHCAST_SESSION_ID"), "broadcast session to join")
	outputFlag := flag.String("output", "", "file to write received segments to (default: discard)")
	flag.Parse()

	cfg, path, err := bootstrap.LoadConfig()
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load config", "error", err)
	}

	zapLogger := bootstrap.NewLogger(cfg, "viewer")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	if err := validation.ValidateSessionID(*sessionFlag); err != nil {
		log.Fatalw("invalid session", "error", err)
	}
	sessionID := domain.SessionID(*sessionFlag)

	tp, err := bootstrap.InitTracing(cfg, "viewer")
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	viewerID := domain.ViewerID(utils.NewViewerID())
	log = log.With("viewer_id", viewerID, "session_id", sessionID)

	channel := signal.NewClient(signal.ClientConfig{
		URL:          cfg.Signal.URL,
		Token:        cfg.Signal.Token,
		WriteTimeout: cfg.Signal.WriteTimeout,
		ReadTimeout:  cfg.Signal.PongTimeout,
	}, log.Named("signal"))

	receiver, err := webrtcinfra.NewReceiver(viewerID, bootstrap.WebRTCConfig(cfg), channel.Send, nil, log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create receiver", "error", err)
	}

	playerCfg := playback.PlayerConfig{PollInterval: cfg.Playback.PollInterval}
	if *outputFlag != "" {
		out, err := os.Create(*outputFlag)
		if err != nil {
			log.Fatalw("failed to create output file", "error", err)
		}
		defer out.Close()
		playerCfg.Output = out
	}
	httpClient := playback.NewHTTPClient(10*time.Second, 2)
	player := playback.NewHLSPlayer(httpClient, playerCfg, log.Named("player"))

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(cancel) }

	hooks := &domain.Hooks{
		OnStreamEnded: func(*domain.BroadcastSession) {
			log.Info("broadcast ended")
			stop()
		},
		OnError: func(err error) {
			log.Warnw("playback error", "error", err)
			if errors.Is(err, domain.ErrConnectionLost) || errors.Is(err, domain.ErrPlayback) {
				stop()
			}
		},
		OnConnectionStateChange: func(state domain.ConnectionState) {
			log.Infow("signaling state changed", "state", state)
		},
		OnQualityChange: func(rendition string) {
			collector.IncQualityChanges(rendition)
			log.Infow("rendition changed", "rendition", rendition)
		},
	}

	selector := services.DefaultSelectorConfig()
	selector.MinSwitchInterval = cfg.Playback.MinSwitchInterval
	selector.Hysteresis = cfg.Playback.HysteresisFactor

	client := services.NewPlaybackClient(viewerID, services.PlaybackDeps{
		Signaling: channel,
		Manifests: playback.NewManifestFetcher(httpClient, log.Named("manifest")),
		Player:    player,
		Receiver:  receiver,
	}, services.PlaybackConfig{
		ManifestURL:      cfg.Playback.ManifestURL,
		DirectTimeout:    cfg.Playback.DirectTimeout,
		InitialBandwidth: cfg.Playback.InitialBandwidthKbps,
		ForceDirect:      cfg.Playback.ForceDirect,
		Selector:         selector,
		Reconnect: services.ReconnectConfig{
			BaseDelay:  cfg.Reconnect.BaseDelay,
			MaxRetries: cfg.Reconnect.MaxRetries,
		},
	}, hooks, collector, log.Named("playback"))

	player.OnSample(func(m domain.NetworkMetrics) {
		if err := client.ReportConditions(ctx, m); err != nil {
			log.Debugw("failed to report conditions", "error", err)
		}
	})

	joinCtx, joinCancel := context.WithTimeout(ctx, cfg.Playback.DirectTimeout+10*time.Second)
	err = client.Join(joinCtx, sessionID, domain.ViewerOptions{PreferredRendition: cfg.Playback.PreferredRendition})
	joinCancel()
	if err != nil {
		log.Fatalw("failed to join broadcast", "error", err)
	}
	log.Infow("joined broadcast", "mode", client.Mode())

	checker := monitoring.NewHealthChecker()
	checker.AddCheck("playback", func(context.Context) (bool, error) {
		return !client.Stopped(), nil
	}, 0, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	httphandlers.NewHealthHandler(checker, prometheus.DefaultGatherer, func() interface{} {
		rendition, _ := client.Rendition()
		return gin.H{
			"mode":      client.Mode(),
			"rendition": rendition.Name,
		}
	}).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	err = bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, log, func(ctx context.Context) {
		if err := client.Leave(ctx); err != nil {
			log.Warnw("error leaving broadcast", "error", err)
		}
		if err := channel.Close(); err != nil {
			log.Warnw("error closing signaling", "error", err)
		}
		if err := tp.Shutdown(ctx); err != nil {
			log.Errorw("error shutting down tracing", "error", err)
		}
	})
	if err != nil {
		log.Fatalw("viewer stopped with error", "error", err)
	}
	log.Info("viewer stopped")
}
