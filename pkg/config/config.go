package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxMessageSize  int64         `yaml:"max_message_size"`
	} `yaml:"signal"`

	Client struct {
		SignalingURL string        `yaml:"signaling_url"`
		PeerID       string        `yaml:"peer_id"`
		SessionID    string        `yaml:"session_id"`
		HTTPAddress  string        `yaml:"http_address"`
		DialAttempts int           `yaml:"dial_attempts"`
		DialBackoff  time.Duration `yaml:"dial_backoff"`
		MaxBackoff   time.Duration `yaml:"max_backoff"`
	} `yaml:"client"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Negotiation struct {
		RetryLimit          int           `yaml:"retry_limit"`
		TrackVerifyTimeout  time.Duration `yaml:"track_verify_timeout"`
		TrackVerifyInterval time.Duration `yaml:"track_verify_interval"`
		RecreateOnTerminal  bool          `yaml:"recreate_on_terminal"`
	} `yaml:"negotiation"`

	Media struct {
		Enabled       bool          `yaml:"enabled"`
		Interval      time.Duration `yaml:"interval"`
		PayloadSize   int           `yaml:"payload_size"`
		KeyframeEvery int           `yaml:"keyframe_every"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}

	// Client
	if c.Client.SignalingURL == "" {
		return fmt.Errorf("client.signaling_url must not be empty")
	}
	if c.Client.DialAttempts < 0 {
		return fmt.Errorf("client.dial_attempts must be >= 0")
	}
	if c.Client.DialBackoff <= 0 {
		return fmt.Errorf("client.dial_backoff must be > 0")
	}
	if c.Client.MaxBackoff < c.Client.DialBackoff {
		return fmt.Errorf("client.max_backoff must be >= client.dial_backoff")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Negotiation
	if c.Negotiation.RetryLimit < 0 {
		return fmt.Errorf("negotiation.retry_limit must be >= 0")
	}
	if c.Negotiation.TrackVerifyTimeout < 0 {
		return fmt.Errorf("negotiation.track_verify_timeout must be >= 0")
	}

	// Media
	if c.Media.Enabled && c.Media.Interval <= 0 {
		return fmt.Errorf("media.interval must be > 0 when media.enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// STAGELINK_* variables may also come from a .env file.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	// a .env file in the working directory never overrides the real environment
	_ = godotenv.Load()

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.MaxMessageSize = 64 * 1024

	cfg.Client.SignalingURL = "ws://localhost:8081/ws"
	cfg.Client.SessionID = "default"
	cfg.Client.HTTPAddress = ":8090"
	cfg.Client.DialAttempts = 5
	cfg.Client.DialBackoff = 500 * time.Millisecond
	cfg.Client.MaxBackoff = 10 * time.Second

	cfg.Negotiation.RetryLimit = 10
	cfg.Negotiation.TrackVerifyTimeout = 0
	cfg.Negotiation.TrackVerifyInterval = 250 * time.Millisecond
	cfg.Negotiation.RecreateOnTerminal = true

	cfg.Media.Enabled = true
	cfg.Media.Interval = 33 * time.Millisecond
	cfg.Media.PayloadSize = 200
	cfg.Media.KeyframeEvery = 30

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "stagelink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "stagelink:signal"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("STAGELINK_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("STAGELINK_SIGNALING_URL"); url != "" {
		c.Client.SignalingURL = url
	}
	if id := os.Getenv("STAGELINK_PEER_ID"); id != "" {
		c.Client.PeerID = id
	}
	if id := os.Getenv("STAGELINK_SESSION_ID"); id != "" {
		c.Client.SessionID = id
	}
	if addr := os.Getenv("STAGELINK_HTTP_ADDRESS"); addr != "" {
		c.Client.HTTPAddress = addr
	}
	if level := os.Getenv("STAGELINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("STAGELINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if limit := os.Getenv("STAGELINK_RETRY_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return fmt.Errorf("invalid STAGELINK_RETRY_LIMIT %q: %w", limit, err)
		}
		c.Negotiation.RetryLimit = n
	}
	return nil
}
