package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagelink/internal/infrastructure/distributed"
	"stagelink/internal/infrastructure/middleware"
	"stagelink/internal/infrastructure/monitoring"
	"stagelink/internal/infrastructure/repositories"
	relay "stagelink/internal/infrastructure/signal"
	"stagelink/pkg/circuitbreaker"
	"stagelink/pkg/config"
	"stagelink/pkg/logger"
	"stagelink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	startTime := time.Now()

	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.ServiceName = cfg.Tracing.ServiceName + "-signal"
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	sessions := repoFactory.CreateSessionRepository()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	serverCfg := relay.ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
	}
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without Redis the relay serves only its own connections.
	var bus *distributed.RelayBus
	var server *relay.WebSocketServer
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewRelayBus(client, cfg.Redis.Channel, log)
		forwarder := distributed.NewGuardedForwarder(bus, circuitbreaker.DefaultConfig(), log)
		server = relay.NewWebSocketServer(sessions, forwarder, collector, serverCfg, log)

		go func() {
			err := bus.Subscribe(ctx, func(env distributed.Envelope) {
				if !server.DeliverLocal(env.To, env.Message) {
					log.Debugw("forwarded message for a peer not connected here",
						"to", env.To,
						"from_instance", env.InstanceID,
					)
				}
			})
			if err != nil && ctx.Err() == nil {
				log.Errorw("relay bus subscription ended", "error", err)
			}
		}()
		log.Infow("relay bus enabled", "instance_id", bus.InstanceID(), "channel", cfg.Redis.Channel)
	} else {
		server = relay.NewWebSocketServer(sessions, nil, collector, serverCfg, log)
	}

	health := monitoring.NewHealthChecker()
	health.AddRedisCheck(repoFactory.RedisClient(), 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log), middleware.TracingMiddleware(), middleware.RequestLoggingMiddleware(log), middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET("/ws", gin.WrapF(server.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context(), startTime)
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"timestamp": status.Timestamp,
			"uptime":    status.Uptime,
			"checks":    status.Checks,
			"peers":     len(server.ConnectedPeers()),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting stagelink signaling relay on %s", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down signaling relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// hijacked WebSocket connections are not tracked by Shutdown
	server.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	cancel()
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Debugw("Error closing relay bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Info("Signaling relay stopped")
}
