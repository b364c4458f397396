package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/services"
	httphandlers "camgrid/internal/handlers/http"
	"camgrid/internal/handlers/ws"
	"camgrid/internal/infrastructure/distributed"
	"camgrid/internal/infrastructure/middleware"
	"camgrid/internal/infrastructure/monitoring"
	"camgrid/internal/infrastructure/video"
	"camgrid/pkg/config"
	"camgrid/pkg/logger"
	"camgrid/pkg/retry"
	"camgrid/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	startTime := time.Now()

	cfg, cfgPath, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if cfgPath != "" {
		log.Infow("configuration loaded", "path", cfgPath)
	} else {
		log.Info("no configuration file found, using defaults")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "camgrid",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	health := monitoring.NewHealthChecker()

	registryOpts := []services.RegistryOption{services.WithMetrics(collector)}

	// Optional redis event bus
	var redisClient *redis.Client
	var eventBus *distributed.EventBus
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(ctx, distributed.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			log.Warnw("redis unavailable, lifecycle events disabled", "error", err)
		} else {
			eventBus = distributed.NewEventBus(redisClient, cfg.Redis.Channel, instanceID(), log)
			registryOpts = append(registryOpts, services.WithEventPublisher(eventBus))
			health.AddRedisCheck(redisClient, cfg.Monitoring.HealthCheckInterval, 2*time.Second)

			go func() {
				err := eventBus.Subscribe(ctx, func(e *distributed.Event) error {
					log.Infow("remote stream event",
						"type", e.Type,
						"stream_id", e.StreamID,
						"instance_id", e.InstanceID,
					)
					return nil
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Warnw("event subscription ended", "error", err)
				}
			}()
		}
	}

	// Capture core
	opener := video.NewOpener(video.Config{
		FFmpegPath:       cfg.Capture.FFmpegPath,
		RTSPTransport:    cfg.Capture.RTSPTransport,
		OutputFPS:        cfg.Capture.OutputFPS,
		MJPEGQScale:      cfg.Capture.MJPEGQScale,
		DeviceSize:       cfg.Capture.DeviceSize,
		DeviceFramerate:  cfg.Capture.DeviceFramerate,
		SnapshotInterval: cfg.Capture.SnapshotInterval,
		HTTPTimeout:      cfg.Capture.HTTPTimeout,
		RestartFailures:  cfg.Capture.RestartFailures,
		RestartCooldown:  cfg.Capture.RestartCooldown,
	}, log.Named("video"))

	registryCfg := services.DefaultRegistryConfig()
	registryCfg.MaxStreams = cfg.Streams.MaxStreams
	registryCfg.BufferSize = cfg.Streams.BufferSize
	registryCfg.ProcessingFPS = cfg.Streams.ProcessingFPS
	registryCfg.OpenTimeout = cfg.Streams.OpenTimeout
	registryCfg.StopTimeout = cfg.Streams.StopTimeout
	registry := services.NewStreamRegistry(registryCfg, opener, log.Named("registry"), registryOpts...)

	composerCfg := services.DefaultComposerConfig()
	composerCfg.FallbackWidth = cfg.Grid.FallbackWidth
	composerCfg.FallbackHeight = cfg.Grid.FallbackHeight
	composerCfg.Interpolation = cfg.Grid.Interpolation
	composerCfg.HideLabels = !cfg.Grid.ShowLabels
	composer := services.NewGridComposer(composerCfg)

	encoder := video.NewEncoder(cfg.Grid.JPEGQuality)

	go registerSources(ctx, cfg, registry, log)

	// Monitoring
	poller := monitoring.NewStatsPoller(registry, collector, cfg.Monitoring.MetricsInterval, log)
	go poller.Run(ctx)

	health.AddStreamsCheck(registry, cfg.Monitoring.StaleAfter, cfg.Monitoring.HealthCheckInterval, time.Second)
	health.StartBackgroundChecks(ctx)

	// HTTP
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Fatalw("invalid trusted proxies", "error", err)
	}
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	streamHandler := httphandlers.NewStreamHandler(registry, composer, encoder, collector, httphandlers.HandlerConfig{
		DefaultLayout: cfg.Grid.Layout,
		MaxStreamFPS:  cfg.WebSocket.MaxFPS,
	}, log.Named("http"))

	frameSocket := ws.NewFrameSocketServer(registry, encoder, collector, ws.Config{
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		PongTimeout:    cfg.WebSocket.PongTimeout,
		MaxFPS:         cfg.WebSocket.MaxFPS,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, log.Named("ws"))

	api := router.Group("/api/v1", middleware.NewHTTPRateLimitMiddleware(cfg))
	streamHandler.SetupRoutes(api)

	streaming := router.Group("", middleware.NewStreamConnectionLimitMiddleware(cfg))
	streamHandler.SetupStreamingRoutes(streaming.Group("/api/v1"))
	frameSocket.SetupRoutes(streaming)

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status == monitoring.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":       status.Status,
			"timestamp":    status.Timestamp,
			"checks":       status.Checks,
			"uptime":       time.Since(startTime).String(),
			"streams":      len(registry.IDs()),
			"max_streams":  registry.MaxStreams(),
			"ws_clients":   frameSocket.ConnectionCount(),
			"event_bus_on": eventBus != nil,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.GetReadinessStatus(ctx)
		if status.Status == monitoring.StatusUnhealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"timestamp": status.Timestamp,
				"checks":    status.Checks,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": status.Timestamp,
			"checks":    status.Checks,
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting camgrid server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down camgrid server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	frameSocket.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	registry.StopAll()

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Warnw("Error closing event bus", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warnw("Error closing redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer", "error", err)
	}

	log.Info("camgrid server stopped")
}

// loadConfig tries CAMGRID_CONFIG, then the usual locations. A missing file
// falls back to defaults; an invalid one is an error.
func loadConfig() (*config.Config, string, error) {
	configPaths := []string{
		"configs/config.yaml",
		"/etc/camgrid/config.yaml",
		"config.yaml",
	}
	if p := os.Getenv("CAMGRID_CONFIG"); p != "" {
		configPaths = append([]string{p}, configPaths...)
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	cfg, err := config.Load("")
	return cfg, "", err
}

// registerSources adds the configured streams. Failures are logged and the
// remaining sources are still attempted.
func registerSources(ctx context.Context, cfg *config.Config, registry *services.StreamRegistry, log *zap.SugaredLogger) {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Streams.StartupRetries
	retryCfg.InitialDelay = cfg.Streams.StartupRetryDelay
	retryCfg.NonRetryableErrors = []error{
		domain.ErrDuplicateID,
		domain.ErrCapacityExceeded,
		domain.ErrInvalidStreamID,
		domain.ErrInvalidSource,
		domain.ErrRegistryStopped,
	}

	for _, src := range cfg.Streams.Sources {
		err := retry.Retry(ctx, retryCfg, func() error {
			_, err := registry.AddStream(ctx, domain.StreamID(src.ID), src.Source, src.FPS, src.BufferSize)
			return err
		})
		if err != nil {
			log.Warnw("configured stream not started", "stream_id", src.ID, "source", src.Source, "error", err)
			continue
		}
		log.Infow("configured stream started", "stream_id", src.ID)
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}
