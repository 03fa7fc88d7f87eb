package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
	"stagelink/internal/core/services"
	"stagelink/internal/infrastructure/media"
	"stagelink/internal/infrastructure/middleware"
	"stagelink/internal/infrastructure/monitoring"
	relay "stagelink/internal/infrastructure/signal"
	webrtcinfra "stagelink/internal/infrastructure/webrtc"
	"stagelink/pkg/config"
	apperrors "stagelink/pkg/errors"
	"stagelink/pkg/logger"
	"stagelink/pkg/retry"
	"stagelink/pkg/tracing"
	"stagelink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

type peerView struct {
	PeerID     domain.PeerID `json:"peer_id"`
	Polite     bool          `json:"polite"`
	Phase      string        `json:"phase"`
	Signaling  string        `json:"signaling_state"`
	Retries    int           `json:"retries"`
	RemoteKind []string      `json:"remote_tracks"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

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

	peerID := cfg.Client.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if err := validation.ValidatePeerID(peerID); err != nil {
		zapLogger.Sugar().Fatalw("invalid peer id", "peer_id", peerID, "error", err)
	}
	localID := domain.PeerID(peerID)
	log := zapLogger.Sugar().With("peer_id", localID)

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.ServiceName = cfg.Tracing.ServiceName + "-peer"
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	webrtcCfg := webrtcinfra.Config{ICEServers: iceServers}
	webrtcCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	webrtcCfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	factory, err := webrtcinfra.NewPeerConnectionFactory(webrtcCfg, log)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	sink := media.NewSink(collector, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var session *services.Session
	client := relay.NewWebSocketClient(relay.ClientConfig{
		URL:          cfg.Client.SignalingURL,
		PeerID:       localID,
		WriteTimeout: cfg.Signal.WriteTimeout,
		ReadTimeout:  cfg.Signal.PongTimeout,
		Dial: retry.Config{
			MaxAttempts:  cfg.Client.DialAttempts,
			InitialDelay: cfg.Client.DialBackoff,
			MaxDelay:     cfg.Client.MaxBackoff,
			Multiplier:   2,
			Jitter:       true,
		},
	}, func(ctx context.Context, msg domain.SignalMessage) error {
		return session.HandleSignal(ctx, msg)
	}, log)

	registry := services.NewRegistry(services.RegistryConfig{
		LocalID:             localID,
		Signaling:           client,
		Factory:             factory,
		Broker:              services.NewEventBroker(),
		RetryLimit:          cfg.Negotiation.RetryLimit,
		TrackVerifyTimeout:  cfg.Negotiation.TrackVerifyTimeout,
		TrackVerifyInterval: cfg.Negotiation.TrackVerifyInterval,
		RecreateOnTerminal:  cfg.Negotiation.RecreateOnTerminal,
		OnRemoteTrack: func(remote domain.PeerID, track ports.RemoteTrack, receiver *webrtc.RTPReceiver) {
			reader, ok := track.(media.TrackReader)
			if !ok {
				return
			}
			var rtcpReader media.RTCPReader
			if receiver != nil {
				rtcpReader = receiver
			}
			go sink.Consume(ctx, remote, reader, rtcpReader)
		},
		OnPeerRemoved: sink.Forget,
		OnTerminal: func(remote domain.PeerID, err error) {
			log.Errorw("negotiation with peer failed permanently", "remote_id", remote, "error", err)
		},
		Metrics: collector,
		Logger:  log,
	})
	session = services.NewSession(domain.SessionID(cfg.Client.SessionID), registry, client, log)

	if cfg.Media.Enabled {
		source, err := media.NewSource(string(localID), media.SourceConfig{
			Interval:      cfg.Media.Interval,
			PayloadSize:   cfg.Media.PayloadSize,
			KeyframeEvery: cfg.Media.KeyframeEvery,
		}, log)
		if err != nil {
			log.Fatalw("failed to create media source", "error", err)
		}
		tracks := source.Tracks()
		if err := registry.SetLocalVideoTrack(tracks.Video); err != nil {
			log.Fatalw("failed to publish video track", "error", err)
		}
		if err := registry.SetLocalAudioTrack(tracks.Audio); err != nil {
			log.Fatalw("failed to publish audio track", "error", err)
		}
		go func() {
			if err := source.Run(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("media source stopped", "error", err)
			}
		}()
	}

	// every (re)connect announces the peer again; the relay answers with the
	// current member list
	client.OnConnected = session.Join

	if err := client.Connect(ctx); err != nil {
		log.Fatalw("failed to connect to signaling relay", "url", cfg.Client.SignalingURL, "error", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(ctx)
	}()

	health := monitoring.NewHealthChecker()
	health.AddCheck("signaling", func(ctx context.Context) error {
		if !client.Connected() {
			return fmt.Errorf("not connected to relay")
		}
		return nil
	}, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log), middleware.TracingMiddleware(), middleware.RequestLoggingMiddleware(log), middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context(), startTime)
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	router.GET("/peers", func(c *gin.Context) {
		remote := registry.RemoteTracks()
		views := make([]peerView, 0)
		for _, id := range registry.Peers() {
			n, ok := registry.Negotiator(id)
			if !ok {
				continue
			}
			view := peerView{
				PeerID:     id,
				Polite:     n.Polite(),
				Phase:      n.Phase().String(),
				Signaling:  n.SignalingState().String(),
				Retries:    n.RetryCount(),
				RemoteKind: []string{},
			}
			if appErr := apperrors.GetAppError(registry.Failure(id)); appErr != nil {
				view.ErrorCode = string(appErr.Code)
				view.Error = appErr.Error()
			}
			m := remote[id]
			if m.Video != nil {
				view.RemoteKind = append(view.RemoteKind, string(domain.TrackKindVideo))
			}
			if m.Audio != nil {
				view.RemoteKind = append(view.RemoteKind, string(domain.TrackKindAudio))
			}
			views = append(views, view)
		}
		c.JSON(http.StatusOK, gin.H{
			"peer_id":    localID,
			"session_id": session.ID(),
			"peers":      views,
			"tracks":     sink.Stats(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:    cfg.Client.HTTPAddress,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting stagelink peer HTTP endpoint on %s", cfg.Client.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("HTTP server failed", "error", err)
	case err := <-runErr:
		log.Errorw("signaling connection lost for good", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Leaving session...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	if err := session.Leave(shutdownCtx); err != nil {
		log.Warnw("Error leaving session", "error", err)
	}
	cancel()
	if err := client.Close(); err != nil {
		log.Debugw("Error closing signaling client", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Info("Peer stopped")
}
