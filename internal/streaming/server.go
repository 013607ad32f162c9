package streaming

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/trackproxy/internal/catalog"
	"github.com/jmylchreest/trackproxy/internal/metrics"
	"github.com/jmylchreest/trackproxy/internal/observability"
	"github.com/jmylchreest/trackproxy/internal/profile"
	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

// defaultContentType is sent when the upstream does not name one.
const defaultContentType = "audio/mpeg"

// ProfileMatcher picks the client profile for a device name.
type ProfileMatcher interface {
	Get(device string) profile.Profile
}

// Server answers track requests from a cache of tracks keyed by URI.
// Only one track is current at a time; requesting another evicts it.
type Server struct {
	cfg      ServerConfig
	deps     *trackDeps
	profiles ProfileMatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	tracks   map[string]*Track
	createMu sync.Mutex
	evictMu  sync.Mutex
	current  atomic.Pointer[Track]

	cron *cron.Cron
	now  func() time.Time
}

// NewServer creates a track server. audio fetches the media itself and
// should not decompress or time out bodies.
func NewServer(
	cfg ServerConfig,
	client catalog.Client,
	audio *httpclient.Client,
	profiles ProfileMatcher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "streaming")

	return &Server{
		cfg: cfg,
		deps: &trackDeps{
			catalog: client,
			audio:   audio,
			pool:    newConnPool(cfg.MaxConnsPerHost, cfg.OpenTimeout, logger),
			metrics: m,
			opts:    cfg.Track,
			logger:  logger,
		},
		profiles: profiles,
		metrics:  m,
		logger:   logger,
		tracks:   make(map[string]*Track),
		now:      time.Now,
	}
}

// Start schedules the idle track janitor.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.JanitorInterval <= 0 || s.cfg.IdleTTL <= 0 {
		s.logger.InfoContext(ctx, "idle track janitor disabled")
		return nil
	}

	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.cfg.JanitorInterval), cron.FuncJob(s.sweep))
	s.cron.Start()

	s.logger.InfoContext(ctx, "idle track janitor started",
		slog.Duration("interval", s.cfg.JanitorInterval),
		slog.Duration("idle_ttl", s.cfg.IdleTTL),
	)
	return nil
}

// Stop halts the janitor and closes every cached track.
func (s *Server) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	s.mu.Lock()
	tracks := s.tracks
	s.tracks = make(map[string]*Track)
	s.mu.Unlock()
	s.current.Store(nil)

	for _, t := range tracks {
		t.Close()
		s.metrics.TrackEvicted("shutdown")
	}
	s.metrics.SetActiveTracks(0)
	s.logger.Info("track server stopped", slog.Int("closed_tracks", len(tracks)))
}

// ServeTrack writes the audio for uri, honouring the Range header when the
// requesting device supports it. Lookup failures answer 404 with no body.
func (s *Server) ServeTrack(w http.ResponseWriter, r *http.Request, uri string) {
	ctx := r.Context()
	logger := s.logger.With(slog.String("track", uri))
	if id := observability.RequestIDFromContext(ctx); id != "" {
		logger = observability.WithRequestID(logger, id)
	}

	device := r.Header.Get(s.cfg.DeviceHeader)
	prof := s.profiles.Get(device)

	var rng *Range
	if prof.Supports.Ranges {
		rng = ParseRange(r.Header.Get("Range"))
	}
	logger.Debug("track requested",
		slog.String("method", r.Method),
		slog.String("device", device),
		slog.String("profile", prof.Name),
		slog.String("range", rangeLabel(rng)),
	)

	track := s.acquire(uri)

	stream, window, err := s.negotiate(ctx, track, rng)
	if err != nil {
		s.fail(w, logger, err)
		return
	}

	h := w.Header()
	if prof.Supports.Ranges {
		h.Set("Accept-Ranges", "bytes")
	}
	contentType := stream.ContentType()
	if contentType == "" {
		contentType = defaultContentType
	}
	h.Set("Content-Type", contentType)

	status := http.StatusOK
	if window != nil {
		status = http.StatusPartialContent
		h.Set("Content-Range", window.String())
		h.Set("Content-Length", strconv.FormatInt(window.Size(), 10))
	} else {
		h.Set("Content-Length", strconv.FormatInt(stream.TotalLength(), 10))
	}
	w.WriteHeader(status)
	s.metrics.TrackRequest(status)

	if r.Method == http.MethodHead {
		return
	}

	// Send headers now; the first chunk may have to wait for the upstream.
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("client disconnected", slog.Int64("bytes", 0))
		return
	}

	track.addReader()
	defer func() { track.doneReader(err != nil) }()

	written := int64(0)
	err = stream.Iter(ctx, window, func(p []byte) error {
		n, err := w.Write(p)
		written += int64(n)
		s.metrics.ServedBytes(n)
		if err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})

	switch {
	case err == nil:
		logger.Debug("track response complete", slog.Int("status", status), slog.Int64("bytes", written))
	case ctx.Err() != nil:
		logger.Debug("client disconnected", slog.Int64("bytes", written))
	default:
		logger.Debug("track response aborted", slog.Int64("bytes", written), slog.String("error", err.Error()))
	}
}

// negotiate selects and opens a stream for rng and works out the window to
// send. A nil window means a 200 response with the whole resource.
func (s *Server) negotiate(ctx context.Context, track *Track, rng *Range) (*Stream, *ContentRange, error) {
	if rng != nil {
		if total := track.TotalLength(); total > 0 && s.resolveWindow(rng, total) == nil {
			s.logger.Debug("range rejected, serving whole resource",
				slog.String("range", rng.String()),
				slog.Int64("total", total),
			)
			rng = nil
		}
	}

	stream, err := s.open(ctx, track, rng)
	if rng != nil && unsatisfiable(err) {
		s.logger.Debug("upstream rejected range, serving whole resource", slog.String("range", rng.String()))
		rng = nil
		stream, err = s.open(ctx, track, nil)
	}
	if err != nil {
		return nil, nil, err
	}
	if rng == nil {
		return stream, nil, nil
	}

	window := s.resolveWindow(rng, stream.TotalLength())
	if window == nil {
		// The total was only learned from this stream; start over unranged.
		stream, err = s.open(ctx, track, nil)
		if err != nil {
			return nil, nil, err
		}
	}
	return stream, window, nil
}

// unsatisfiable reports whether the upstream refused a range as beyond the
// end of the resource.
func unsatisfiable(err error) bool {
	var ue *catalog.UpstreamError
	return errors.As(err, &ue) && ue.Status == http.StatusRequestedRangeNotSatisfiable
}

func (s *Server) open(ctx context.Context, track *Track, rng *Range) (*Stream, error) {
	stream, err := track.Stream(ctx, rng)
	if err != nil {
		return nil, err
	}
	stream.Open()

	waitCtx := ctx
	if s.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.OpenTimeout)
		defer cancel()
	}
	if err := stream.WaitOpened(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrOpenTimeout
		}
		return nil, err
	}
	return stream, nil
}

// resolveWindow turns rng into an absolute window of a total-byte resource.
// Windows starting past the end, or leaving fewer than the configured
// final-bytes floor, are rejected with nil. The end is clamped to the
// last byte.
func (s *Server) resolveWindow(rng *Range, total int64) *ContentRange {
	cr := rng.ContentRange(total)
	if cr == nil || total <= 0 || cr.Start >= total {
		return nil
	}
	if floor := s.cfg.FinalBytesFloor; floor > 0 && total-cr.Start < floor {
		return nil
	}
	cr.End = min(cr.End, total-1)
	return cr
}

func (s *Server) fail(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case IsNotFound(err):
		status = http.StatusNotFound
		logger.Info("track not served", slog.String("error", err.Error()))
	case errors.Is(err, context.Canceled):
		logger.Debug("client went away before the track opened")
		return
	default:
		logger.Error("track request failed", slog.String("error", err.Error()))
	}
	s.metrics.TrackRequest(status)
	w.WriteHeader(status)
}

// acquire evicts the current track if it is a different one and makes the
// track for uri current. A track closed by a concurrent eviction is never
// made current; a fresh one replaces it.
func (s *Server) acquire(uri string) *Track {
	for {
		s.evictCurrent(uri)
		t := s.getOrCreate(uri)

		s.evictMu.Lock()
		if t.isClosed() {
			s.mu.Lock()
			if s.tracks[uri] == t {
				delete(s.tracks, uri)
			}
			s.mu.Unlock()
			s.evictMu.Unlock()
			s.logger.Debug("track closed while selecting, retrying", slog.String("track", uri))
			continue
		}
		s.current.Store(t)
		s.evictMu.Unlock()
		return t
	}
}

func (s *Server) getOrCreate(uri string) *Track {
	s.mu.RLock()
	t, ok := s.tracks[uri]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.mu.RLock()
	t, ok = s.tracks[uri]
	s.mu.RUnlock()
	if ok {
		return t
	}

	t = newTrack(uri, s.deps)
	s.mu.Lock()
	s.tracks[uri] = t
	n := len(s.tracks)
	s.mu.Unlock()

	s.metrics.SetActiveTracks(n)
	s.logger.Info("cached new track", slog.String("track", uri), slog.Int("tracks", n))
	return t
}

// evictCurrent drops the current track when a different one is requested.
func (s *Server) evictCurrent(uri string) {
	cur := s.current.Load()
	if cur == nil || cur.URI() == uri {
		return
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	if s.current.CompareAndSwap(cur, nil) {
		s.remove(cur, "changed")
	}
}

func (s *Server) remove(t *Track, reason string) {
	s.mu.Lock()
	if s.tracks[t.URI()] == t {
		delete(s.tracks, t.URI())
	}
	n := len(s.tracks)
	s.mu.Unlock()

	t.Close()
	s.metrics.TrackEvicted(reason)
	s.metrics.SetActiveTracks(n)
	s.logger.Info("evicted track",
		slog.String("track", t.URI()),
		slog.String("reason", reason),
		slog.Int("tracks", n),
	)
}

// Evict closes and removes a cached track. It reports whether uri was cached.
func (s *Server) Evict(uri string) bool {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	s.mu.RLock()
	t, ok := s.tracks[uri]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.current.CompareAndSwap(t, nil)
	s.remove(t, "api")
	return true
}

// sweep closes tracks nobody has read for IdleTTL. The current track stays.
func (s *Server) sweep() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	cutoff := s.now().Add(-s.cfg.IdleTTL)
	current := s.current.Load()

	s.mu.RLock()
	var idle []*Track
	for _, t := range s.tracks {
		if t != current && t.Readers() == 0 && t.LastAccess().Before(cutoff) {
			idle = append(idle, t)
		}
	}
	s.mu.RUnlock()

	for _, t := range idle {
		s.remove(t, "idle")
	}
	if len(idle) > 0 {
		s.logger.Debug("janitor swept idle tracks", slog.Int("evicted", len(idle)))
	}
}

// Track returns the cached track for uri, if any.
func (s *Server) Track(uri string) (*Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[uri]
	return t, ok
}

// TrackSnapshot returns the state of one cached track.
func (s *Server) TrackSnapshot(uri string) (TrackSnapshot, bool) {
	t, ok := s.Track(uri)
	if !ok {
		return TrackSnapshot{}, false
	}
	snap := t.Snapshot()
	snap.Current = t == s.current.Load()
	return snap, true
}

// Snapshot lists cached tracks, most recently used first.
func (s *Server) Snapshot() []TrackSnapshot {
	s.mu.RLock()
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.RUnlock()

	current := s.current.Load()
	snaps := make([]TrackSnapshot, 0, len(tracks))
	for _, t := range tracks {
		snap := t.Snapshot()
		snap.Current = t == current
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].LastAccess.After(snaps[j].LastAccess) })
	return snaps
}

// UpstreamConnections reports the audio fetch slots in use per host.
func (s *Server) UpstreamConnections() []HostConnections {
	return s.deps.pool.Stats()
}

// TrackURL returns the proxy URL that serves uri.
func TrackURL(baseURL, uri string) string {
	return strings.TrimRight(baseURL, "/") + "/track/" + url.PathEscape(uri) + ".mp3"
}
