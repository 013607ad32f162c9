// Package metrics exposes the proxy's Prometheus instruments on a private
// registry. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trackproxy"

// Metrics holds the Prometheus collectors for the track proxy.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	streamSelections *prometheus.CounterVec
	streamsOpened    *prometheus.CounterVec
	openDuration     prometheus.Histogram
	upstreamBytes    prometheus.Counter
	servedBytes      prometheus.Counter
	throttleEvents   *prometheus.CounterVec
	playbackEvents   *prometheus.CounterVec
	tracksEvicted    *prometheus.CounterVec
	activeTracks     prometheus.Gauge
	activeReaders    prometheus.Gauge
}

// New creates and registers the proxy metrics, plus Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_requests_total",
			Help:      "Track requests served, by response status.",
		}, []string{"status"}),
		streamSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_selections_total",
			Help:      "Stream selections by outcome: exact, covering or new.",
		}, []string{"outcome"}),
		streamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_opens_total",
			Help:      "Upstream audio fetches, by result.",
		}, []string{"result"}),
		openDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_open_seconds",
			Help:      "Time from issuing an upstream fetch to receiving its headers.",
			Buckets:   prometheus.DefBuckets,
		}),
		upstreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_total",
			Help:      "Bytes buffered from upstream.",
		}),
		servedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "served_bytes_total",
			Help:      "Bytes written to clients.",
		}),
		throttleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_events_total",
			Help:      "Whole-file stream throttle changes.",
		}, []string{"action"}),
		playbackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_events_total",
			Help:      "Playback signals sent upstream, by kind and result.",
		}, []string{"kind", "result"}),
		tracksEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_evicted_total",
			Help:      "Tracks removed from the cache, by reason.",
		}, []string{"reason"}),
		activeTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tracks",
			Help:      "Tracks currently cached.",
		}),
		activeReaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_readers",
			Help:      "Responses currently streaming to clients.",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.streamSelections,
		m.streamsOpened,
		m.openDuration,
		m.upstreamBytes,
		m.servedBytes,
		m.throttleEvents,
		m.playbackEvents,
		m.tracksEvicted,
		m.activeTracks,
		m.activeReaders,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackRequest counts a finished track request.
func (m *Metrics) TrackRequest(status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// StreamSelected counts how Track.Stream satisfied a request.
func (m *Metrics) StreamSelected(outcome string) {
	if m == nil {
		return
	}
	m.streamSelections.WithLabelValues(outcome).Inc()
}

// UpstreamOpened records an upstream fetch and how long its headers took.
func (m *Metrics) UpstreamOpened(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.streamsOpened.WithLabelValues(result).Inc()
	m.openDuration.Observe(d.Seconds())
}

// UpstreamBytes adds buffered bytes.
func (m *Metrics) UpstreamBytes(n int) {
	if m == nil {
		return
	}
	m.upstreamBytes.Add(float64(n))
}

// ServedBytes adds bytes written to clients.
func (m *Metrics) ServedBytes(n int) {
	if m == nil {
		return
	}
	m.servedBytes.Add(float64(n))
}

// Throttle counts a throttle "set" or "lift".
func (m *Metrics) Throttle(action string) {
	if m == nil {
		return
	}
	m.throttleEvents.WithLabelValues(action).Inc()
}

// PlaybackEvent counts a start, progress or end signal.
func (m *Metrics) PlaybackEvent(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.playbackEvents.WithLabelValues(kind, result).Inc()
}

// TrackEvicted counts a track leaving the cache.
func (m *Metrics) TrackEvicted(reason string) {
	if m == nil {
		return
	}
	m.tracksEvicted.WithLabelValues(reason).Inc()
}

// SetActiveTracks sets the cached track gauge.
func (m *Metrics) SetActiveTracks(n int) {
	if m == nil {
		return
	}
	m.activeTracks.Set(float64(n))
}

// ReaderStarted and ReaderFinished track in-flight responses.
func (m *Metrics) ReaderStarted() {
	if m == nil {
		return
	}
	m.activeReaders.Inc()
}

func (m *Metrics) ReaderFinished() {
	if m == nil {
		return
	}
	m.activeReaders.Dec()
}
