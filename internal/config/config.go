package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for collabdraw.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Images     ImagesConfig     `yaml:"images"`
	Video      VideoConfig      `yaml:"video"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the websocket listener settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	WebsocketPath  string        `yaml:"websocket_path"`
	FilesRoute     string        `yaml:"files_route"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	OriginPatterns []string      `yaml:"origin_patterns"`
}

// StoreConfig selects and configures the key-value store and message bus.
type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RoomsConfig controls bridge lifecycle and page defaults.
type RoomsConfig struct {
	BridgeIdleGrace time.Duration `yaml:"bridge_idle_grace"`
}

// ImagesConfig locates rendered page images on disk.
type ImagesConfig struct {
	RootDir     string        `yaml:"root_dir"`
	Extensions  []string      `yaml:"extensions"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// VideoConfig controls the stroke replay renderer.
type VideoConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	FrameWidth    int           `yaml:"frame_width"`
	FrameHeight   int           `yaml:"frame_height"`
	FrameRate     int           `yaml:"frame_rate"`
	TmpDir        string        `yaml:"tmp_dir"`
	OutputDir     string        `yaml:"output_dir"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ProtocolConfig controls wire compatibility switches.
type ProtocolConfig struct {
	// AcceptEncodedInbound lets clients send frames in the same
	// escaped+compressed+base64 form the server uses outbound.
	AcceptEncodedInbound bool `yaml:"accept_encoded_inbound"`
}

// SecurityConfig contains connection limiting settings.
type SecurityConfig struct {
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	// RecentLogs is how many log records are kept in memory and served on
	// LogsEndpoint of the health listener. 0 disables.
	RecentLogs   int    `yaml:"recent_logs"`
	LogsEndpoint string `yaml:"logs_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "0.0.0.0:8888",
			WebsocketPath:  "/realtime/",
			FilesRoute:     "/files/",
			DrainTimeout:   30 * time.Second,
			MaxMessageSize: 1048576, // 1MB
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendQueueSize:  256,
		},
		Store: StoreConfig{
			Backend:     "redis",
			Address:     "127.0.0.1:6379",
			DB:          2,
			OpTimeout:   2 * time.Second,
			DialTimeout: 5 * time.Second,
		},
		Rooms: RoomsConfig{
			BridgeIdleGrace: 30 * time.Second,
		},
		Images: ImagesConfig{
			RootDir:     ".",
			Extensions:  []string{".png"},
			ReadTimeout: 2 * time.Second,
		},
		Video: VideoConfig{
			Enabled:       true,
			FFmpegPath:    "ffmpeg",
			FrameWidth:    920,
			FrameHeight:   550,
			FrameRate:     25,
			TmpDir:        "tmp",
			OutputDir:     "tmp",
			MaxConcurrent: 2,
			Timeout:       10 * time.Minute,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    200,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8889",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
			RecentLogs:      500,
			LogsEndpoint:    "/debug/logs",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if !strings.HasPrefix(c.Server.WebsocketPath, "/") {
		return fmt.Errorf("server.websocket_path must start with /")
	}
	if c.Server.FilesRoute != "" && (!strings.HasPrefix(c.Server.FilesRoute, "/") || !strings.HasSuffix(c.Server.FilesRoute, "/")) {
		return fmt.Errorf("server.files_route must start and end with /")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 67108864 {
		return fmt.Errorf("server.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Server.DrainTimeout <= 0 || c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must be between 0 and 5m")
	}
	if c.Server.WriteTimeout <= 0 || c.Server.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("server.write_timeout must be between 0 and 5m")
	}
	if c.Server.SendQueueSize <= 0 {
		return fmt.Errorf("server.send_queue_size must be positive")
	}

	// Store validation
	switch c.Store.Backend {
	case "redis":
		if c.Store.Address == "" {
			return fmt.Errorf("store.address is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be one of: redis, memory")
	}
	if c.Store.OpTimeout <= 0 {
		return fmt.Errorf("store.op_timeout must be positive")
	}
	if c.Store.DB < 0 {
		return fmt.Errorf("store.db must not be negative")
	}

	if c.Rooms.BridgeIdleGrace < 0 {
		return fmt.Errorf("rooms.bridge_idle_grace must not be negative")
	}

	// Images validation
	if c.Images.RootDir == "" {
		return fmt.Errorf("images.root_dir is required")
	}
	if len(c.Images.Extensions) == 0 {
		return fmt.Errorf("images.extensions must not be empty")
	}
	for _, ext := range c.Images.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("images.extensions entries must start with a dot, got %q", ext)
		}
	}

	// Video validation
	if c.Video.Enabled {
		if c.Video.FFmpegPath == "" {
			return fmt.Errorf("video.ffmpeg_path is required when video is enabled")
		}
		if c.Video.FrameWidth <= 0 || c.Video.FrameHeight <= 0 {
			return fmt.Errorf("video.frame_width and video.frame_height must be positive")
		}
		if c.Video.FrameWidth > 7680 || c.Video.FrameHeight > 4320 {
			return fmt.Errorf("video frame size must not exceed 7680x4320")
		}
		if c.Video.MaxConcurrent <= 0 {
			return fmt.Errorf("video.max_concurrent must be positive")
		}
		if c.Video.TmpDir == "" || c.Video.OutputDir == "" {
			return fmt.Errorf("video.tmp_dir and video.output_dir are required when video is enabled")
		}
	}

	// Security validation
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	if c.Monitoring.RecentLogs < 0 {
		return fmt.Errorf("monitoring.recent_logs must be >= 0")
	}
	if c.Monitoring.RecentLogs > 0 && !strings.HasPrefix(c.Monitoring.LogsEndpoint, "/") {
		return fmt.Errorf("monitoring.logs_endpoint must start with /")
	}

	return nil
}

// applyEnvOverrides applies COLLABDRAW_ prefixed environment variables.
// Convention: COLLABDRAW_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"COLLABDRAW_SERVER_LISTEN_ADDRESS":   func(v string) { cfg.Server.ListenAddress = v },
		"COLLABDRAW_SERVER_DRAIN_TIMEOUT":    func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"COLLABDRAW_SERVER_MAX_MESSAGE_SIZE": func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"COLLABDRAW_SERVER_PING_INTERVAL":    func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"COLLABDRAW_SERVER_WRITE_TIMEOUT":    func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"COLLABDRAW_STORE_BACKEND":           func(v string) { cfg.Store.Backend = v },
		"COLLABDRAW_STORE_ADDRESS":           func(v string) { cfg.Store.Address = v },
		"COLLABDRAW_STORE_PASSWORD":          func(v string) { cfg.Store.Password = v },
		"COLLABDRAW_STORE_DB":                func(v string) { cfg.Store.DB = parseInt(v, cfg.Store.DB) },
		"COLLABDRAW_STORE_OP_TIMEOUT":        func(v string) { cfg.Store.OpTimeout = parseDuration(v, cfg.Store.OpTimeout) },
		"COLLABDRAW_ROOMS_BRIDGE_IDLE_GRACE": func(v string) { cfg.Rooms.BridgeIdleGrace = parseDuration(v, cfg.Rooms.BridgeIdleGrace) },
		"COLLABDRAW_IMAGES_ROOT_DIR":         func(v string) { cfg.Images.RootDir = v },
		"COLLABDRAW_VIDEO_ENABLED":           func(v string) { cfg.Video.Enabled = parseBool(v, cfg.Video.Enabled) },
		"COLLABDRAW_VIDEO_FFMPEG_PATH":       func(v string) { cfg.Video.FFmpegPath = v },
		"COLLABDRAW_VIDEO_TMP_DIR":           func(v string) { cfg.Video.TmpDir = v },
		"COLLABDRAW_VIDEO_OUTPUT_DIR":        func(v string) { cfg.Video.OutputDir = v },
		"COLLABDRAW_PROTOCOL_ACCEPT_ENCODED_INBOUND": func(v string) {
			cfg.Protocol.AcceptEncodedInbound = parseBool(v, cfg.Protocol.AcceptEncodedInbound)
		},
		"COLLABDRAW_SECURITY_MAX_CONNECTIONS":        func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"COLLABDRAW_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) { cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP) },
		"COLLABDRAW_SECURITY_RATE_LIMIT_ENABLED":     func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"COLLABDRAW_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"COLLABDRAW_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"COLLABDRAW_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"COLLABDRAW_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"COLLABDRAW_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"COLLABDRAW_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
		"COLLABDRAW_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, store, video paths.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	updated.Protocol = newCfg.Protocol
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Store, new.Store) {
		warnings = append(warnings, "store requires restart")
	}
	if !reflect.DeepEqual(old.Video, new.Video) {
		warnings = append(warnings, "video requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
