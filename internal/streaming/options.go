package streaming

import (
	"fmt"
	"time"

	"github.com/jmylchreest/trackproxy/internal/catalog"
	"github.com/jmylchreest/trackproxy/internal/config"
)

// Options tunes track and stream behaviour.
type Options struct {
	Account catalog.Account
	Format  string

	ReuseDistance int64
	FinalDistance int64

	InfoTimeout      time.Duration
	RateLimitRelease time.Duration
	EndGrace         time.Duration
	ThrottleRate     int64 // bytes per second

	ChunkMin int64
	ChunkMax int64
	ReadSize int64

	ProgressInterval time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Account:          catalog.Account{Country: "GB", Catalogue: catalog.CatalogueSubscription},
		Format:           "mp3160",
		ReuseDistance:    1 << 20,
		FinalDistance:    128 << 10,
		InfoTimeout:      5 * time.Second,
		RateLimitRelease: 5 * time.Second,
		EndGrace:         3 * time.Second,
		ThrottleRate:     34 << 10,
		ChunkMin:         6 << 10,
		ChunkMax:         10 << 10,
		ReadSize:         32 << 10,
	}
}

// ServerConfig configures the track server and its cache.
type ServerConfig struct {
	Track Options

	DeviceHeader    string
	FinalBytesFloor int64
	OpenTimeout     time.Duration

	IdleTTL         time.Duration
	JanitorInterval time.Duration

	MaxConnsPerHost int
}

// DefaultServerConfig mirrors the configuration defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Track:           DefaultOptions(),
		DeviceHeader:    "X-Plex-Device",
		FinalBytesFloor: 64 << 10,
		OpenTimeout:     10 * time.Second,
		IdleTTL:         10 * time.Minute,
		JanitorInterval: time.Minute,
		MaxConnsPerHost: 8,
	}
}

// NewServerConfig maps application configuration onto a ServerConfig.
func NewServerConfig(cfg *config.Config) (ServerConfig, error) {
	catalogue, err := catalog.ParseCatalogue(cfg.Upstream.Catalogue)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("upstream catalogue: %w", err)
	}
	sc := cfg.Streaming

	return ServerConfig{
		Track: Options{
			Account:          catalog.Account{Country: cfg.Upstream.Country, Catalogue: catalogue},
			Format:           cfg.Upstream.Format,
			ReuseDistance:    sc.ReuseDistance.Int64(),
			FinalDistance:    sc.FinalDistance.Int64(),
			InfoTimeout:      sc.InfoTimeout,
			RateLimitRelease: sc.RateLimitRelease,
			EndGrace:         sc.EndGrace,
			ThrottleRate:     sc.ThrottleRate.Int64(),
			ChunkMin:         sc.ChunkMin.Int64(),
			ChunkMax:         sc.ChunkMax.Int64(),
			ReadSize:         sc.ReadSize.Int64(),
			ProgressInterval: sc.ProgressInterval,
		},
		DeviceHeader:    cfg.Profiles.DeviceHeader,
		FinalBytesFloor: sc.FinalBytesFloor.Int64(),
		OpenTimeout:     sc.OpenTimeout,
		IdleTTL:         sc.IdleTTL,
		JanitorInterval: sc.JanitorInterval,
		MaxConnsPerHost: cfg.Upstream.MaxConnsPerHost,
	}, nil
}
