package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: 12555},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Upstream: UpstreamConfig{
			BaseURL:   "http://catalog.local",
			Country:   "GB",
			Catalogue: "premium",
		},
		Streaming: StreamingConfig{
			ChunkMin:     6 * 1024,
			ChunkMax:     10 * 1024,
			ReadSize:     32 * 1024,
			InfoTimeout:  5 * time.Second,
			OpenTimeout:  10 * time.Second,
			ThrottleRate: 34 * 1024,
		},
		Profiles: ProfilesConfig{DeviceHeader: "X-Plex-Device"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 12555, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Zero(t, cfg.Server.WriteTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, "premium", cfg.Upstream.Catalogue)
	assert.Equal(t, "mp3160", cfg.Upstream.Format)
	assert.Equal(t, 15*time.Second, cfg.Upstream.Timeout)

	assert.True(t, cfg.Streaming.Enabled)
	assert.Equal(t, ByteSize(1<<20), cfg.Streaming.ReuseDistance)
	assert.Equal(t, ByteSize(128<<10), cfg.Streaming.FinalDistance)
	assert.Equal(t, ByteSize(64<<10), cfg.Streaming.FinalBytesFloor)
	assert.Equal(t, ByteSize(6<<10), cfg.Streaming.ChunkMin)
	assert.Equal(t, ByteSize(10<<10), cfg.Streaming.ChunkMax)
	assert.Equal(t, 5*time.Second, cfg.Streaming.InfoTimeout)
	assert.Equal(t, 10*time.Second, cfg.Streaming.OpenTimeout)
	assert.Equal(t, 5*time.Second, cfg.Streaming.RateLimitRelease)
	assert.Equal(t, 3*time.Second, cfg.Streaming.EndGrace)

	assert.Equal(t, "X-Plex-Device", cfg.Profiles.DeviceHeader)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  host: "127.0.0.1"
  port: 9090
  read_timeout: 1m
logging:
  level: debug
  format: text
upstream:
  base_url: "http://gateway:8099"
  country: US
  catalogue: free
streaming:
  reuse_distance: 2MiB
  final_distance: 64KiB
  info_timeout: 3s
profiles:
  dir: /etc/trackproxy/profiles
  device_header: X-Device-Name
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "US", cfg.Upstream.Country)
	assert.Equal(t, "free", cfg.Upstream.Catalogue)
	assert.Equal(t, ByteSize(2<<20), cfg.Streaming.ReuseDistance)
	assert.Equal(t, ByteSize(64<<10), cfg.Streaming.FinalDistance)
	assert.Equal(t, 3*time.Second, cfg.Streaming.InfoTimeout)
	assert.Equal(t, "/etc/trackproxy/profiles", cfg.Profiles.Dir)
	assert.Equal(t, "X-Device-Name", cfg.Profiles.DeviceHeader)

	// untouched keys keep their defaults
	assert.Equal(t, ByteSize(6<<10), cfg.Streaming.ChunkMin)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRACKPROXY_SERVER_PORT", "13000")
	t.Setenv("TRACKPROXY_STREAMING_FINAL_BYTES_FLOOR", "0")
	t.Setenv("TRACKPROXY_STREAMING_OPEN_TIMEOUT", "20s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 13000, cfg.Server.Port)
	assert.Zero(t, cfg.Streaming.FinalBytesFloor)
	assert.Equal(t, 20*time.Second, cfg.Streaming.OpenTimeout)
}

func TestLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(*Config) {},
		},
		{
			name:    "port too low",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "negative connection limit",
			modify:  func(c *Config) { c.Server.MaxConnections = -1 },
			wantErr: "server.max_connections",
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "relative upstream url",
			modify:  func(c *Config) { c.Upstream.BaseURL = "/catalog" },
			wantErr: "upstream.base_url",
		},
		{
			name:    "unknown catalogue",
			modify:  func(c *Config) { c.Upstream.Catalogue = "family" },
			wantErr: "upstream.catalogue",
		},
		{
			name:    "bad country",
			modify:  func(c *Config) { c.Upstream.Country = "GBR" },
			wantErr: "upstream.country",
		},
		{
			name:    "chunk max below min",
			modify:  func(c *Config) { c.Streaming.ChunkMax = 1024 },
			wantErr: "streaming.chunk_min",
		},
		{
			name:    "zero info timeout",
			modify:  func(c *Config) { c.Streaming.InfoTimeout = 0 },
			wantErr: "streaming.info_timeout",
		},
		{
			name:    "missing device header",
			modify:  func(c *Config) { c.Profiles.DeviceHeader = "" },
			wantErr: "profiles.device_header",
		},
		{
			name:    "relative metrics path",
			modify:  func(c *Config) { c.Metrics.Path = "metrics" },
			wantErr: "metrics.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 12555}
	assert.Equal(t, "127.0.0.1:12555", cfg.Address())
}
