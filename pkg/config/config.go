package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"camgrid/pkg/validation"

	"gopkg.in/yaml.v2"
)

// StreamSource is a stream registered at start-up.
type StreamSource struct {
	ID         string `yaml:"id"`
	Source     string `yaml:"source"`
	FPS        int    `yaml:"fps,omitempty"`
	BufferSize int    `yaml:"buffer_size,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		Mode            string        `yaml:"mode"` // gin mode: debug, release, test
		// TrustedProxies lists IPs or CIDRs whose X-Forwarded-For is honoured.
		// Empty trusts none and clients are identified by their socket address.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Streams struct {
		MaxStreams    int            `yaml:"max_streams"`
		BufferSize    int            `yaml:"buffer_size"`
		ProcessingFPS int            `yaml:"processing_fps"`
		OpenTimeout   time.Duration  `yaml:"open_timeout"`
		StopTimeout   time.Duration  `yaml:"stop_timeout"`
		Sources       []StreamSource `yaml:"sources"`

		StartupRetries    int           `yaml:"startup_retries"`
		StartupRetryDelay time.Duration `yaml:"startup_retry_delay"`
	} `yaml:"streams"`

	Capture struct {
		FFmpegPath       string        `yaml:"ffmpeg_path"`
		RTSPTransport    string        `yaml:"rtsp_transport"`
		OutputFPS        int           `yaml:"output_fps"`
		MJPEGQScale      int           `yaml:"mjpeg_qscale"`
		DeviceSize       string        `yaml:"device_size"`
		DeviceFramerate  int           `yaml:"device_framerate"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		HTTPTimeout      time.Duration `yaml:"http_timeout"`
		RestartFailures  int           `yaml:"restart_failures"`
		RestartCooldown  time.Duration `yaml:"restart_cooldown"`
	} `yaml:"capture"`

	Grid struct {
		Layout         string `yaml:"layout"`
		FallbackWidth  int    `yaml:"fallback_width"`
		FallbackHeight int    `yaml:"fallback_height"`
		Interpolation  string `yaml:"interpolation"`
		ShowLabels     bool   `yaml:"show_labels"`
		JPEGQuality    int    `yaml:"jpeg_quality"`
	} `yaml:"grid"`

	WebSocket struct {
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		MaxFPS         int           `yaml:"max_fps"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"websocket"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		MetricsInterval     time.Duration `yaml:"metrics_interval"`
		StaleAfter          time.Duration `yaml:"stale_after"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

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
		Enabled     bool          `yaml:"enabled"`
		IdleTimeout time.Duration `yaml:"idle_timeout"` // per-client limiters unused this long are dropped

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be debug, release or test")
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("server.trusted_proxies: %q is neither an IP nor a CIDR", p)
			}
		}
	}

	// Streams
	if c.Streams.MaxStreams <= 0 {
		return fmt.Errorf("streams.max_streams must be > 0")
	}
	if c.Streams.BufferSize <= 0 {
		return fmt.Errorf("streams.buffer_size must be > 0")
	}
	if c.Streams.ProcessingFPS <= 0 {
		return fmt.Errorf("streams.processing_fps must be > 0")
	}
	if c.Streams.OpenTimeout <= 0 {
		return fmt.Errorf("streams.open_timeout must be > 0")
	}
	if c.Streams.StopTimeout <= 0 {
		return fmt.Errorf("streams.stop_timeout must be > 0")
	}
	if len(c.Streams.Sources) > c.Streams.MaxStreams {
		return fmt.Errorf("streams.sources lists %d streams but max_streams is %d", len(c.Streams.Sources), c.Streams.MaxStreams)
	}
	seen := make(map[string]bool, len(c.Streams.Sources))
	for i, s := range c.Streams.Sources {
		if s.ID == "" || s.Source == "" {
			return fmt.Errorf("streams.sources[%d] needs both id and source", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("streams.sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	if c.Streams.StartupRetries < 0 {
		return fmt.Errorf("streams.startup_retries must be >= 0")
	}

	// Capture
	if c.Capture.FFmpegPath == "" {
		return fmt.Errorf("capture.ffmpeg_path must not be empty")
	}
	if c.Capture.MJPEGQScale < 2 || c.Capture.MJPEGQScale > 31 {
		return fmt.Errorf("capture.mjpeg_qscale must be between 2 and 31")
	}
	if c.Capture.RestartFailures <= 0 || c.Capture.RestartCooldown <= 0 {
		return fmt.Errorf("capture.restart_failures and capture.restart_cooldown must be > 0")
	}
	switch c.Capture.RTSPTransport {
	case "", "tcp", "udp":
	default:
		return fmt.Errorf("capture.rtsp_transport must be tcp or udp")
	}

	// Grid
	if c.Grid.FallbackWidth <= 0 || c.Grid.FallbackHeight <= 0 {
		return fmt.Errorf("grid.fallback_width and grid.fallback_height must be > 0")
	}
	switch strings.ToLower(c.Grid.Interpolation) {
	case "nearest", "bilinear":
	default:
		return fmt.Errorf("grid.interpolation must be nearest or bilinear")
	}
	if _, _, err := validation.ParseLayout(c.Grid.Layout); err != nil {
		return fmt.Errorf("grid.layout: %w", err)
	}
	if c.Grid.JPEGQuality < 1 || c.Grid.JPEGQuality > 100 {
		return fmt.Errorf("grid.jpeg_quality must be between 1 and 100")
	}

	// WebSocket
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket.write_timeout must be > 0")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be > 0")
	}
	if c.WebSocket.PongTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket.pong_timeout must be greater than ping_interval")
	}
	if c.WebSocket.MaxFPS <= 0 {
		return fmt.Errorf("websocket.max_fps must be > 0")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}
	if c.Monitoring.StaleAfter < 0 {
		return fmt.Errorf("monitoring.stale_after must be >= 0")
	}
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
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
		if c.RateLimiting.IdleTimeout <= 0 {
			return fmt.Errorf("rate_limiting.idle_timeout must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// If file does not exist, fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

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

	// Default values
	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 0 // MJPEG and WebSocket responses are long-lived
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.Mode = "release"

	cfg.Streams.MaxStreams = 4
	cfg.Streams.BufferSize = 30
	cfg.Streams.ProcessingFPS = 10
	cfg.Streams.OpenTimeout = 5 * time.Second
	cfg.Streams.StopTimeout = 2 * time.Second
	cfg.Streams.StartupRetries = 3
	cfg.Streams.StartupRetryDelay = 2 * time.Second

	cfg.Capture.FFmpegPath = "ffmpeg"
	cfg.Capture.RTSPTransport = "tcp"
	cfg.Capture.MJPEGQScale = 5
	cfg.Capture.DeviceSize = "640x480"
	cfg.Capture.DeviceFramerate = 30
	cfg.Capture.SnapshotInterval = 500 * time.Millisecond
	cfg.Capture.HTTPTimeout = 5 * time.Second
	cfg.Capture.RestartFailures = 5
	cfg.Capture.RestartCooldown = 30 * time.Second

	cfg.Grid.Layout = "2x2"
	cfg.Grid.FallbackWidth = 640
	cfg.Grid.FallbackHeight = 480
	cfg.Grid.Interpolation = "nearest"
	cfg.Grid.ShowLabels = true
	cfg.Grid.JPEGQuality = 80

	cfg.WebSocket.WriteTimeout = 5 * time.Second
	cfg.WebSocket.PingInterval = 30 * time.Second
	cfg.WebSocket.PongTimeout = 60 * time.Second
	cfg.WebSocket.MaxFPS = 10
	cfg.WebSocket.AllowedOrigins = []string{"*"}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 5 * time.Second
	cfg.Monitoring.StaleAfter = 10 * time.Second
	cfg.Monitoring.HealthCheckInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "camgrid:events"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.IdleTimeout = 10 * time.Minute
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	// Apply environment variable overrides
	if addr := os.Getenv("CAMGRID_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CAMGRID_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if path := os.Getenv("CAMGRID_FFMPEG_PATH"); path != "" {
		c.Capture.FFmpegPath = path
	}
	if v := os.Getenv("CAMGRID_MAX_STREAMS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CAMGRID_MAX_STREAMS: %w", err)
		}
		c.Streams.MaxStreams = n
	}
	if v := os.Getenv("CAMGRID_PROCESSING_FPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CAMGRID_PROCESSING_FPS: %w", err)
		}
		c.Streams.ProcessingFPS = n
	}
	if addr := os.Getenv("CAMGRID_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if url := os.Getenv("CAMGRID_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}
	return nil
}
