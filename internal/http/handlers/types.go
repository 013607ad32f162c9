package handlers

import (
	"github.com/jmylchreest/trackproxy/internal/profile"
	"github.com/jmylchreest/trackproxy/internal/streaming"
	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

// TrackCache is the part of the streaming server the track endpoints use.
type TrackCache interface {
	Snapshot() []streaming.TrackSnapshot
	TrackSnapshot(uri string) (streaming.TrackSnapshot, bool)
	UpstreamConnections() []streaming.HostConnections
	Evict(uri string) bool
}

// ProfileSource lists and resolves client profiles.
type ProfileSource interface {
	List() []profile.Profile
	Get(device string) profile.Profile
}

// BreakerRegistry reports and resets upstream circuit breakers.
type BreakerRegistry interface {
	Names() []string
	Statuses() []httpclient.CircuitBreakerStatus
	Reset(name string) bool
}

// CPUInfo is host load as seen by the process.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo is system memory plus the process footprint.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessRSSMB      float64 `json:"process_rss_mb"`
	ProcessPercentage float64 `json:"process_percentage"`
	Goroutines        int     `json:"goroutines"`
}

// StreamingHealth summarises the track cache.
type StreamingHealth struct {
	Status              string                      `json:"status"`
	Tracks              int                         `json:"tracks"`
	Readers             int                         `json:"readers"`
	Buffered            string                      `json:"buffered"`
	UpstreamConnections []streaming.HostConnections `json:"upstream_connections"`
}

// HealthComponents groups per-subsystem health.
type HealthComponents struct {
	Streaming       StreamingHealth                   `json:"streaming"`
	CircuitBreakers []httpclient.CircuitBreakerStatus `json:"circuit_breakers"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string           `json:"status"`
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	Uptime        string           `json:"uptime"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	CPUInfo       CPUInfo          `json:"cpu_info"`
	Memory        MemoryInfo       `json:"memory"`
	Components    HealthComponents `json:"components"`
}
