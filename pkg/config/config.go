package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"meshcast/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"`
		Token           string        `yaml:"token"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

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

	Media struct {
		VideoAddress   string   `yaml:"video_address"`
		AudioAddress   string   `yaml:"audio_address"`
		CaptureCommand []string `yaml:"capture_command"`
	} `yaml:"media"`

	Session struct {
		Title          string   `yaml:"title"`
		Description    string   `yaml:"description"`
		Tags           []string `yaml:"tags"`
		DefaultQuality string   `yaml:"default_quality"`
		Record         bool     `yaml:"record"`
		AutoStart      bool     `yaml:"auto_start"`
	} `yaml:"session"`

	Reconnect struct {
		BaseDelay  time.Duration `yaml:"base_delay"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"reconnect"`

	Recording struct {
		ChunkInterval time.Duration `yaml:"chunk_interval"`
		UploadTimeout time.Duration `yaml:"upload_timeout"`
		Storage       struct {
			Driver    string `yaml:"driver"`
			Path      string `yaml:"path"`
			PublicURL string `yaml:"public_url"`
			S3        struct {
				Bucket   string `yaml:"bucket"`
				Region   string `yaml:"region"`
				Prefix   string `yaml:"prefix"`
				Endpoint string `yaml:"endpoint"`
			} `yaml:"s3"`
		} `yaml:"storage"`
	} `yaml:"recording"`

	Playback struct {
		ManifestURL          string        `yaml:"manifest_url"`
		DirectTimeout        time.Duration `yaml:"direct_timeout"`
		InitialBandwidthKbps int           `yaml:"initial_bandwidth_kbps"`
		MinSwitchInterval    time.Duration `yaml:"min_switch_interval"`
		HysteresisFactor     float64       `yaml:"hysteresis_factor"`
		PollInterval         time.Duration `yaml:"poll_interval"`
		ForceDirect          bool          `yaml:"force_direct"`
		PreferredRendition   string        `yaml:"preferred_rendition"`
	} `yaml:"playback"`

	Store struct {
		Driver   string        `yaml:"driver"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
		Postgres struct {
			DSN      string `yaml:"dsn"`
			MaxConns int32  `yaml:"max_conns"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Events struct {
		Enabled bool   `yaml:"enabled"`
		Channel string `yaml:"channel"`
	} `yaml:"events"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		HealthInterval    time.Duration `yaml:"health_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		// Tokens are issued elsewhere; an empty secret disables verification.
		JWTSecret      string   `yaml:"jwt_secret"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Reliability struct {
		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`
}

var validQualities = map[string]bool{"low": true, "medium": true, "high": true}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if err := validation.ValidateURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
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

	// Media
	if c.Media.VideoAddress == "" {
		return fmt.Errorf("media.video_address must not be empty")
	}

	// Session
	if !validQualities[c.Session.DefaultQuality] {
		return fmt.Errorf("session.default_quality must be one of low, medium, high")
	}

	// Reconnect
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must be >= 0")
	}

	// Recording
	if c.Recording.ChunkInterval <= 0 {
		return fmt.Errorf("recording.chunk_interval must be > 0")
	}
	if c.Recording.UploadTimeout <= 0 {
		return fmt.Errorf("recording.upload_timeout must be > 0")
	}
	switch c.Recording.Storage.Driver {
	case "file":
		if c.Recording.Storage.Path == "" {
			return fmt.Errorf("recording.storage.path must not be empty for the file driver")
		}
	case "s3":
		if c.Recording.Storage.S3.Bucket == "" {
			return fmt.Errorf("recording.storage.s3.bucket must not be empty for the s3 driver")
		}
	default:
		return fmt.Errorf("recording.storage.driver must be file or s3, got %q", c.Recording.Storage.Driver)
	}

	// Playback
	if c.Playback.ManifestURL != "" {
		if err := validation.ValidateURL(c.Playback.ManifestURL); err != nil {
			return fmt.Errorf("playback.manifest_url: %w", err)
		}
	}
	if c.Playback.DirectTimeout <= 0 {
		return fmt.Errorf("playback.direct_timeout must be > 0")
	}
	if c.Playback.InitialBandwidthKbps <= 0 {
		return fmt.Errorf("playback.initial_bandwidth_kbps must be > 0")
	}
	if c.Playback.HysteresisFactor < 0 || c.Playback.HysteresisFactor > 1 {
		return fmt.Errorf("playback.hysteresis_factor must be within [0, 1]")
	}
	if c.Playback.PollInterval <= 0 {
		return fmt.Errorf("playback.poll_interval must be > 0")
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when store.driver=redis")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must not be empty when store.driver=postgres")
		}
	default:
		return fmt.Errorf("store.driver must be memory, redis or postgres, got %q", c.Store.Driver)
	}

	if c.Store.CacheTTL < 0 {
		return fmt.Errorf("store.cache_ttl must be >= 0")
	}

	// Redis
	if c.Store.Driver == "redis" || c.Events.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0")
		}
	}
	if c.Events.Enabled && c.Events.Channel == "" {
		return fmt.Errorf("events.channel must not be empty when events.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requires requests_per_second and burst > 0")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 || c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket requires messages_per_second and burst > 0")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
		}
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

	// Reliability
	if c.Reliability.Retry.Enabled && c.Reliability.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("reliability.retry.max_attempts must be > 0 when retry is enabled")
	}
	if c.Reliability.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.circuit_breaker.failure_threshold must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and returns the first config that loads.
func LoadFirst(paths ...string) (*Config, string, error) {
	var lastErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			lastErr = err
			continue
		}
		return cfg, path, nil
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	cfg, err := Load("")
	return cfg, "", err
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Media.VideoAddress = "127.0.0.1:5004"
	cfg.Media.AudioAddress = "127.0.0.1:5006"

	cfg.Session.Title = "Live broadcast"
	cfg.Session.DefaultQuality = "medium"

	cfg.Reconnect.BaseDelay = time.Second
	cfg.Reconnect.MaxRetries = 5

	cfg.Recording.ChunkInterval = time.Second
	cfg.Recording.UploadTimeout = 5 * time.Minute
	cfg.Recording.Storage.Driver = "file"
	cfg.Recording.Storage.Path = "./recordings"
	cfg.Recording.Storage.PublicURL = "http://localhost:8080/recordings"

	cfg.Playback.ManifestURL = "http://localhost:8082/live/{session_id}/master.m3u8"
	cfg.Playback.DirectTimeout = 15 * time.Second
	cfg.Playback.InitialBandwidthKbps = 1500
	cfg.Playback.MinSwitchInterval = 10 * time.Second
	cfg.Playback.HysteresisFactor = 0.15
	cfg.Playback.PollInterval = 2 * time.Second

	cfg.Store.Driver = "memory"
	cfg.Store.CacheTTL = 2 * time.Second
	cfg.Store.Postgres.MaxConns = 10

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Events.Channel = "meshcast:events"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.ServiceName = "meshcast"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Reliability.Retry.Enabled = true
	cfg.Reliability.Retry.MaxAttempts = 3
	cfg.Reliability.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Reliability.Retry.MaxDelay = 2 * time.Second
	cfg.Reliability.CircuitBreaker.FailureThreshold = 5
	cfg.Reliability.CircuitBreaker.SuccessThreshold = 2
	cfg.Reliability.CircuitBreaker.Timeout = 30 * time.Second

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("MESHCAST_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("MESHCAST_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if token := os.Getenv("MESHCAST_SIGNAL_TOKEN"); token != "" {
		c.Signal.Token = token
	}
	if level := os.Getenv("MESHCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHCAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if driver := os.Getenv("MESHCAST_STORE_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if dsn := os.Getenv("MESHCAST_POSTGRES_DSN"); dsn != "" {
		c.Store.Postgres.DSN = dsn
	}
	if addr := os.Getenv("MESHCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if quality := os.Getenv("MESHCAST_QUALITY"); quality != "" {
		c.Session.DefaultQuality = quality
	}
	if record := os.Getenv("MESHCAST_RECORD"); record != "" {
		if v, err := strconv.ParseBool(record); err == nil {
			c.Session.Record = v
		}
	}
	if bucket := os.Getenv("MESHCAST_S3_BUCKET"); bucket != "" {
		c.Recording.Storage.Driver = "s3"
		c.Recording.Storage.S3.Bucket = bucket
	}
}
