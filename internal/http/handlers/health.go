// Package handlers provides the status API served next to the track route.
package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

const bytesPerMB = 1024 * 1024

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	tracks    TrackCache
	breakers  BreakerRegistry
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		breakers:  httpclient.DefaultRegistry,
	}
}

// WithTracks reports on the given track cache.
func (h *HealthHandler) WithTracks(tracks TrackCache) *HealthHandler {
	h.tracks = tracks
	return h
}

// WithBreakers sets a custom breaker registry.
func (h *HealthHandler) WithBreakers(breakers BreakerRegistry) *HealthHandler {
	h.breakers = breakers
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Status int `json:"-"`
	Body   struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health of the proxy including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Reports not_ready while the track server is missing or an upstream breaker is open",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether the proxy can serve tracks.
func (h *HealthHandler) GetReadyz(_ context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{Status: 200}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{"streaming": "ok"}

	if h.tracks == nil {
		out.Body.Components["streaming"] = "not_configured"
		out.Body.Status = "not_ready"
	}
	if h.breakers != nil {
		for _, st := range h.breakers.Statuses() {
			out.Body.Components["upstream:"+st.Name] = st.Stats.State
			if st.Stats.State == httpclient.CircuitOpen.String() {
				out.Body.Status = "not_ready"
			}
		}
	}
	if out.Body.Status != "ready" {
		out.Status = 503
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(_ context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	var breakers []httpclient.CircuitBreakerStatus
	if h.breakers != nil {
		breakers = h.breakers.Statuses()
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        "healthy",
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       cpuInfo(),
			Memory:        memoryInfo(),
			Components: HealthComponents{
				Streaming:       h.streamingHealth(),
				CircuitBreakers: breakers,
			},
		},
	}, nil
}

func (h *HealthHandler) streamingHealth() StreamingHealth {
	if h.tracks == nil {
		return StreamingHealth{Status: "not_configured", Buffered: humanize.IBytes(0)}
	}

	health := StreamingHealth{Status: "ok", UpstreamConnections: h.tracks.UpstreamConnections()}
	var buffered int64
	for _, t := range h.tracks.Snapshot() {
		health.Tracks++
		health.Readers += t.Readers
		for _, s := range t.Streams {
			buffered += s.Buffered
		}
	}
	health.Buffered = humanize.IBytes(uint64(buffered))
	return health
}

func cpuInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	avg, err := load.Avg()
	if err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

func memoryInfo() MemoryInfo {
	info := MemoryInfo{Goroutines: runtime.NumGoroutine()}

	vm, err := mem.VirtualMemory()
	if err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / bytesPerMB
		info.UsedMemoryMB = float64(vm.Used) / bytesPerMB
		info.AvailableMemoryMB = float64(vm.Available) / bytesPerMB
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
		info.ProcessRSSMB = float64(rss.RSS) / bytesPerMB
		if info.TotalMemoryMB > 0 {
			info.ProcessPercentage = info.ProcessRSSMB / info.TotalMemoryMB * 100
		}
	}
	return info
}
