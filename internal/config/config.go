// Package config provides configuration management for trackproxy using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TRACKPROXY_SERVER_PORT.
const EnvPrefix = "TRACKPROXY"

// Default configuration values.
const (
	defaultServerPort        = 12555
	defaultServerReadTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultUpstreamURL       = "http://127.0.0.1:8099"
	defaultUpstreamTimeout   = 15 * time.Second
	defaultRetryAttempts     = 2
	defaultCircuitThreshold  = 5
	defaultCircuitTimeout    = 30 * time.Second
	defaultMaxConnsPerHost   = 8
	defaultMetadataCacheSize = 512
	defaultMetadataCacheTTL  = 10 * time.Minute
	defaultInfoTimeout       = 5 * time.Second
	defaultOpenTimeout       = 10 * time.Second
	defaultRateLimitRelease  = 5 * time.Second
	defaultEndGrace          = 3 * time.Second
	defaultIdleTTL           = 10 * time.Minute
	defaultJanitorInterval   = time.Minute
	defaultDeviceHeader      = "X-Plex-Device"
	defaultMetricsPath       = "/metrics"
	defaultReuseDistance     = "1MiB"
	defaultFinalDistance     = "128KiB"
	defaultFinalBytesFloor   = "64KiB"
	defaultThrottleRate      = "34KiB"
	defaultChunkMin          = "6KiB"
	defaultChunkMax          = "10KiB"
	defaultReadSize          = "32KiB"
	defaultUpstreamFormat    = "mp3160"
	defaultUpstreamCatalogue = "premium"
	defaultUpstreamCountry   = "GB"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Profiles  ProfilesConfig  `mapstructure:"profiles"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds the whole response, so it stays 0 for audio streams.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxConnections  int           `mapstructure:"max_connections"` // 0 = unlimited
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// UpstreamConfig describes the catalog gateway the proxy talks to.
type UpstreamConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Country   string `mapstructure:"country"`   // ISO 3166 alpha-2, used for restriction checks
	Catalogue string `mapstructure:"catalogue"` // premium, unlimited, free
	Format    string `mapstructure:"format"`    // audio file format requested from track_uri

	Timeout           time.Duration `mapstructure:"timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	CircuitThreshold  int           `mapstructure:"circuit_threshold"`
	CircuitTimeout    time.Duration `mapstructure:"circuit_timeout"`
	MaxConnsPerHost   int           `mapstructure:"max_conns_per_host"`
	MetadataCacheSize int           `mapstructure:"metadata_cache_size"`
	MetadataCacheTTL  time.Duration `mapstructure:"metadata_cache_ttl"`
}

// StreamingConfig holds the track proxy tuning knobs.
type StreamingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// ReuseDistance and FinalDistance drive the stream reuse heuristic.
	ReuseDistance ByteSize `mapstructure:"reuse_distance"`
	FinalDistance ByteSize `mapstructure:"final_distance"`
	// FinalBytesFloor rejects range requests for the last few bytes of a
	// track and serves the whole file instead. 0 disables the rejection.
	FinalBytesFloor ByteSize `mapstructure:"final_bytes_floor"`

	InfoTimeout      time.Duration `mapstructure:"info_timeout"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	RateLimitRelease time.Duration `mapstructure:"rate_limit_release"`
	ThrottleRate     ByteSize      `mapstructure:"throttle_rate"` // bytes per second
	// EndGrace is how long a track may have no readers after a client
	// disconnects before playback is reported as ended. 0 ends at once.
	EndGrace time.Duration `mapstructure:"end_grace"`

	ChunkMin ByteSize `mapstructure:"chunk_min"`
	ChunkMax ByteSize `mapstructure:"chunk_max"`
	ReadSize ByteSize `mapstructure:"read_size"`

	IdleTTL          time.Duration `mapstructure:"idle_ttl"`
	JanitorInterval  time.Duration `mapstructure:"janitor_interval"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"` // 0 = disabled
}

// ProfilesConfig locates client capability profiles.
type ProfilesConfig struct {
	Dir          string `mapstructure:"dir"`
	DeviceHeader string `mapstructure:"device_header"`
	Watch        bool   `mapstructure:"watch"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TRACKPROXY_ and use underscores for nesting.
// Example: TRACKPROXY_SERVER_PORT=12555.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/trackproxy")
		v.AddConfigPath("$HOME/.trackproxy")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a fully prepared viper instance.
// The serve command uses it with the global viper so bound flags apply.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerReadTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("upstream.base_url", defaultUpstreamURL)
	v.SetDefault("upstream.country", defaultUpstreamCountry)
	v.SetDefault("upstream.catalogue", defaultUpstreamCatalogue)
	v.SetDefault("upstream.format", defaultUpstreamFormat)
	v.SetDefault("upstream.timeout", defaultUpstreamTimeout)
	v.SetDefault("upstream.retry_attempts", defaultRetryAttempts)
	v.SetDefault("upstream.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("upstream.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("upstream.max_conns_per_host", defaultMaxConnsPerHost)
	v.SetDefault("upstream.metadata_cache_size", defaultMetadataCacheSize)
	v.SetDefault("upstream.metadata_cache_ttl", defaultMetadataCacheTTL)

	v.SetDefault("streaming.enabled", true)
	v.SetDefault("streaming.reuse_distance", defaultReuseDistance)
	v.SetDefault("streaming.final_distance", defaultFinalDistance)
	v.SetDefault("streaming.final_bytes_floor", defaultFinalBytesFloor)
	v.SetDefault("streaming.info_timeout", defaultInfoTimeout)
	v.SetDefault("streaming.open_timeout", defaultOpenTimeout)
	v.SetDefault("streaming.rate_limit_release", defaultRateLimitRelease)
	v.SetDefault("streaming.end_grace", defaultEndGrace)
	v.SetDefault("streaming.throttle_rate", defaultThrottleRate)
	v.SetDefault("streaming.chunk_min", defaultChunkMin)
	v.SetDefault("streaming.chunk_max", defaultChunkMax)
	v.SetDefault("streaming.read_size", defaultReadSize)
	v.SetDefault("streaming.idle_ttl", defaultIdleTTL)
	v.SetDefault("streaming.janitor_interval", defaultJanitorInterval)
	v.SetDefault("streaming.progress_interval", time.Duration(0))

	v.SetDefault("profiles.dir", "")
	v.SetDefault("profiles.device_header", defaultDeviceHeader)
	v.SetDefault("profiles.watch", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", defaultMetricsPath)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url must be an absolute URL")
	}
	validCatalogues := map[string]bool{"premium": true, "unlimited": true, "free": true}
	if !validCatalogues[c.Upstream.Catalogue] {
		return fmt.Errorf("upstream.catalogue must be one of: premium, unlimited, free")
	}
	if len(c.Upstream.Country) != 2 {
		return fmt.Errorf("upstream.country must be a two letter country code")
	}

	s := c.Streaming
	if s.ChunkMin <= 0 || s.ChunkMax < s.ChunkMin {
		return fmt.Errorf("streaming.chunk_min must be positive and not exceed streaming.chunk_max")
	}
	if s.ReadSize <= 0 {
		return fmt.Errorf("streaming.read_size must be positive")
	}
	if s.InfoTimeout <= 0 || s.OpenTimeout <= 0 {
		return fmt.Errorf("streaming.info_timeout and streaming.open_timeout must be positive")
	}
	if s.ThrottleRate <= 0 {
		return fmt.Errorf("streaming.throttle_rate must be positive")
	}

	if c.Profiles.DeviceHeader == "" {
		return fmt.Errorf("profiles.device_header is required")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
