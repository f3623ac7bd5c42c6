package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddress == "" {
		t.Error("default listen_address should not be empty")
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("default store.backend = %q, want %q", cfg.Store.Backend, "redis")
	}
	if cfg.Store.DB != 2 {
		t.Errorf("default store.db = %d, want 2", cfg.Store.DB)
	}
	if cfg.Video.FrameWidth != 920 || cfg.Video.FrameHeight != 550 {
		t.Errorf("default frame size = %dx%d, want 920x550", cfg.Video.FrameWidth, cfg.Video.FrameHeight)
	}
	if cfg.Rooms.BridgeIdleGrace != 30*time.Second {
		t.Errorf("default bridge_idle_grace = %v, want %v", cfg.Rooms.BridgeIdleGrace, 30*time.Second)
	}
	if cfg.Protocol.AcceptEncodedInbound {
		t.Error("default accept_encoded_inbound should be false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  listen_address: "127.0.0.1:9000"
  drain_timeout: "5s"
  max_message_size: 2097152
store:
  backend: "memory"
  op_timeout: "500ms"
rooms:
  bridge_idle_grace: "2s"
images:
  root_dir: "/srv/collabdraw"
  extensions: [".png", ".webp"]
video:
  enabled: false
security:
  max_connections: 500
  max_connections_per_ip: 5
  rate_limit:
    enabled: false
logging:
  level: "debug"
  format: "text"
health:
  enabled: true
  listen_address: "127.0.0.1:9001"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("listen_address = %q, want %q", cfg.Server.ListenAddress, "127.0.0.1:9000")
	}
	if cfg.Server.DrainTimeout != 5*time.Second {
		t.Errorf("drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 5*time.Second)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store.backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Store.OpTimeout != 500*time.Millisecond {
		t.Errorf("store.op_timeout = %v, want 500ms", cfg.Store.OpTimeout)
	}
	if cfg.Rooms.BridgeIdleGrace != 2*time.Second {
		t.Errorf("bridge_idle_grace = %v, want 2s", cfg.Rooms.BridgeIdleGrace)
	}
	if len(cfg.Images.Extensions) != 2 {
		t.Errorf("images.extensions = %v, want 2 entries", cfg.Images.Extensions)
	}
	if cfg.Video.Enabled {
		t.Error("video.enabled should be false")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want mention of not found", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load('') error: %v", err)
	}
	if cfg.Store.Address != "127.0.0.1:6379" {
		t.Errorf("store.address = %q, want default", cfg.Store.Address)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLABDRAW_STORE_BACKEND", "memory")
	t.Setenv("COLLABDRAW_STORE_DB", "5")
	t.Setenv("COLLABDRAW_LOGGING_LEVEL", "debug")
	t.Setenv("COLLABDRAW_VIDEO_ENABLED", "no")
	t.Setenv("COLLABDRAW_ROOMS_BRIDGE_IDLE_GRACE", "1m")
	t.Setenv("COLLABDRAW_PROTOCOL_ACCEPT_ENCODED_INBOUND", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Store.Backend != "memory" {
		t.Errorf("store.backend = %q, want env override", cfg.Store.Backend)
	}
	if cfg.Store.DB != 5 {
		t.Errorf("store.db = %d, want 5", cfg.Store.DB)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Video.Enabled {
		t.Error("video.enabled should be false from env override")
	}
	if cfg.Rooms.BridgeIdleGrace != time.Minute {
		t.Errorf("bridge_idle_grace = %v, want 1m", cfg.Rooms.BridgeIdleGrace)
	}
	if !cfg.Protocol.AcceptEncodedInbound {
		t.Error("accept_encoded_inbound should be true from env override")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty listen_address",
			modify:  func(c *Config) { c.Server.ListenAddress = "" },
			wantErr: "server.listen_address is required",
		},
		{
			name:    "invalid listen_address",
			modify:  func(c *Config) { c.Server.ListenAddress = "not-a-host-port" },
			wantErr: "server.listen_address is invalid",
		},
		{
			name:    "relative websocket path",
			modify:  func(c *Config) { c.Server.WebsocketPath = "realtime" },
			wantErr: "server.websocket_path must start with /",
		},
		{
			name:    "files route without trailing slash",
			modify:  func(c *Config) { c.Server.FilesRoute = "/files" },
			wantErr: "server.files_route must start and end with /",
		},
		{
			name:    "zero max_message_size",
			modify:  func(c *Config) { c.Server.MaxMessageSize = 0 },
			wantErr: "server.max_message_size must be positive",
		},
		{
			name:    "unknown store backend",
			modify:  func(c *Config) { c.Store.Backend = "etcd" },
			wantErr: "store.backend must be one of",
		},
		{
			name:    "redis without address",
			modify:  func(c *Config) { c.Store.Address = "" },
			wantErr: "store.address is required",
		},
		{
			name:    "memory backend ignores address",
			modify:  func(c *Config) { c.Store.Backend = "memory"; c.Store.Address = "" },
			wantErr: "",
		},
		{
			name:    "negative idle grace",
			modify:  func(c *Config) { c.Rooms.BridgeIdleGrace = -time.Second },
			wantErr: "rooms.bridge_idle_grace must not be negative",
		},
		{
			name:    "extension without dot",
			modify:  func(c *Config) { c.Images.Extensions = []string{"png"} },
			wantErr: "images.extensions entries must start with a dot",
		},
		{
			name:    "video without ffmpeg",
			modify:  func(c *Config) { c.Video.FFmpegPath = "" },
			wantErr: "video.ffmpeg_path is required",
		},
		{
			name:    "video disabled skips ffmpeg check",
			modify:  func(c *Config) { c.Video.Enabled = false; c.Video.FFmpegPath = "" },
			wantErr: "",
		},
		{
			name:    "zero frame size",
			modify:  func(c *Config) { c.Video.FrameWidth = 0 },
			wantErr: "video.frame_width and video.frame_height must be positive",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "csv" },
			wantErr: "logging.format must be one of",
		},
		{
			name:    "zero max_connections",
			modify:  func(c *Config) { c.Security.MaxConnections = 0 },
			wantErr: "security.max_connections must be positive",
		},
		{
			name:    "per-ip above global",
			modify:  func(c *Config) { c.Security.MaxConnectionsPerIP = 5000 },
			wantErr: "security.max_connections_per_ip must not exceed",
		},
		{
			name:    "health shares listener",
			modify:  func(c *Config) { c.Health.ListenAddress = c.Server.ListenAddress },
			wantErr: "must be different",
		},
		{
			name:    "negative recent logs",
			modify:  func(c *Config) { c.Monitoring.RecentLogs = -1 },
			wantErr: "monitoring.recent_logs must be >= 0",
		},
		{
			name:    "relative logs endpoint",
			modify:  func(c *Config) { c.Monitoring.LogsEndpoint = "logs" },
			wantErr: "monitoring.logs_endpoint must start with /",
		},
		{
			name:    "logs endpoint unused when disabled",
			modify:  func(c *Config) { c.Monitoring.RecentLogs = 0; c.Monitoring.LogsEndpoint = "" },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	new := DefaultConfig()

	warnings := IsReloadSafe(old, new)
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	new.Server.ListenAddress = "0.0.0.0:9999"
	warnings = IsReloadSafe(old, new)
	if len(warnings) != 1 {
		t.Errorf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}

	new.Store.Address = "redis.internal:6379"
	warnings = IsReloadSafe(old, new)
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := DefaultConfig()
	new := DefaultConfig()
	new.Logging.Level = "debug"
	new.Server.MaxMessageSize = 2097152
	new.Security.MaxConnections = 10
	new.Store.Address = "elsewhere:6379"

	updated := old.ApplyReloadableFields(new)

	if updated.Logging.Level != "debug" {
		t.Errorf("log level not reloaded")
	}
	if updated.Server.MaxMessageSize != 2097152 {
		t.Errorf("max_message_size not reloaded")
	}
	if updated.Security.MaxConnections != 10 {
		t.Errorf("max_connections not reloaded")
	}
	if updated.Store.Address != old.Store.Address {
		t.Errorf("store.address must not be reloaded, got %q", updated.Store.Address)
	}
	if old.Logging.Level != "info" {
		t.Errorf("original config mutated: level = %q", old.Logging.Level)
	}
}
