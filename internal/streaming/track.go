package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmylchreest/trackproxy/internal/catalog"
	"github.com/jmylchreest/trackproxy/internal/metrics"
	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

const (
	// signalTimeout bounds each playback event sent to the catalog.
	signalTimeout = 10 * time.Second
	// signalQueue is how many playback events may wait for delivery.
	signalQueue = 16
)

// trackDeps are shared by every track of a server.
type trackDeps struct {
	catalog catalog.Client
	audio   *httpclient.Client
	pool    *connPool
	metrics *metrics.Metrics
	opts    Options
	logger  *slog.Logger
}

type playbackSignal struct {
	kind string
	lid  string
	pos  int64
	send func(ctx context.Context, lid string, pos int64) error
}

// Track caches the metadata, stream location and upstream streams of one
// track URI, and tracks the playback session reported to the catalog.
type Track struct {
	uri       string
	deps      *trackDeps
	logger    *slog.Logger
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	metadata  *Future[*catalog.TrackMetadata]
	info      *Future[catalog.StreamInfo]
	streams   map[streamKey]*Stream
	order     []*Stream
	nextIndex int

	throttled      *Stream
	limitTimer     *time.Timer
	endTimer       *time.Timer
	stopProgress   context.CancelFunc
	playing        bool
	ended          bool
	closed         bool
	readingStart   time.Time
	lastAccess     time.Time
	signals        chan playbackSignal
	signalsDrained chan struct{}

	readers atomic.Int32
}

func newTrack(uri string, deps *trackDeps) *Track {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	t := &Track{
		uri:            uri,
		deps:           deps,
		logger:         deps.logger.With(slog.String("track", uri)),
		createdAt:      now,
		ctx:            ctx,
		cancel:         cancel,
		streams:        make(map[streamKey]*Stream),
		lastAccess:     now,
		signals:        make(chan playbackSignal, signalQueue),
		signalsDrained: make(chan struct{}),
	}
	go t.deliverSignals()
	return t
}

// URI returns the track URI this cache entry serves.
func (t *Track) URI() string { return t.uri }

// TotalLength is the resource size learned from the first opened stream,
// or 0 while unknown.
func (t *Track) TotalLength() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalLengthLocked()
}

func (t *Track) totalLengthLocked() int64 {
	for _, s := range t.order {
		if total := s.TotalLength(); total > 0 {
			return total
		}
	}
	return 0
}

// LastAccess is the last time a request selected a stream or a reader finished.
func (t *Track) LastAccess() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAccess
}

func (t *Track) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Readers is the number of responses currently being written for the track.
func (t *Track) Readers() int { return int(t.readers.Load()) }

func (t *Track) addReader() {
	t.readers.Add(1)
	t.deps.metrics.ReaderStarted()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endTimer != nil {
		t.endTimer.Stop()
		t.endTimer = nil
	}
}

// doneReader releases a reader. When the last reader went away before its
// response finished, playback ends unless a new reader arrives within
// EndGrace, as players reconnect to seek.
func (t *Track) doneReader(disconnected bool) {
	n := t.readers.Add(-1)
	t.deps.metrics.ReaderFinished()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAccess = time.Now()
	if !disconnected || n > 0 || !t.playing || t.ended || t.closed {
		return
	}

	grace := t.deps.opts.EndGrace
	if grace <= 0 {
		t.endLocked()
		return
	}
	if t.endTimer != nil {
		t.endTimer.Stop()
	}
	t.logger.Debug("last reader disconnected", slog.Duration("end_grace", grace))
	t.endTimer = time.AfterFunc(grace, t.endIfIdle)
}

func (t *Track) endIfIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Readers() > 0 {
		return
	}
	t.endTimer = nil
	t.endLocked()
}

// Stream returns a stream able to serve r, reusing a cached one when it
// already covers the window. A nil range means the whole resource. The
// returned stream may still need Open.
func (t *Track) Stream(ctx context.Context, r *Range) (*Stream, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTrackClosed
	}
	t.lastAccess = time.Now()

	if r != nil && r.IsSuffix() {
		if total := t.totalLengthLocked(); total > 0 {
			r = RangeFrom(r.ContentRange(total).Start)
		}
	}
	key := keyFor(r)

	if s := t.exactLocked(key); s != nil {
		t.mu.Unlock()
		t.deps.metrics.StreamSelected("exact")
		t.logger.Debug("reusing stream", slog.String("match", "exact"), slog.Int("stream", s.index))
		return s, nil
	}
	if s := t.coveringLocked(key); s != nil {
		t.mu.Unlock()
		t.deps.metrics.StreamSelected("covering")
		t.logger.Debug("reusing stream",
			slog.String("match", "covering"),
			slog.Int("stream", s.index),
			slog.String("range", rangeLabel(r)),
		)
		return s, nil
	}
	t.mu.Unlock()

	md, err := t.resolveMetadata(ctx)
	if err != nil {
		return nil, err
	}
	info, err := t.resolveInfo(ctx, md)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTrackClosed
	}
	// Another request may have created it while we were resolving.
	if s := t.exactLocked(key); s != nil {
		t.deps.metrics.StreamSelected("exact")
		return s, nil
	}

	s := newStream(t, t.nextIndex, r, info.URI)
	t.nextIndex++
	t.streams[key] = s
	t.order = append(t.order, s)
	t.deps.metrics.StreamSelected("new")
	t.logger.Info("created stream",
		slog.Int("stream", s.index),
		slog.String("range", rangeLabel(r)),
		slog.Int("streams", len(t.order)),
	)

	t.applyLimitsLocked()
	return s, nil
}

// exactLocked returns the stream opened for key, dropping it when its open
// failed so that a fresh one is created.
func (t *Track) exactLocked(key streamKey) *Stream {
	s, ok := t.streams[key]
	if !ok {
		return nil
	}
	if s.opened.Failed() {
		t.removeLocked(s)
		return nil
	}
	return s
}

func (t *Track) removeLocked(s *Stream) {
	delete(t.streams, s.key)
	for i, o := range t.order {
		if o == s {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if t.throttled == s {
		t.throttled = nil
	}
}

// coveringLocked finds the first stream whose window contains key. A
// covering stream is passed over when the reader would wait for more than
// ReuseDistance bytes of buffering and the window ends within
// FinalDistance of the resource end.
func (t *Track) coveringLocked(key streamKey) *Stream {
	if key.suffix {
		return nil
	}
	opts := t.deps.opts
	for _, s := range t.order {
		if !s.key.covers(key) || s.opened.Failed() {
			continue
		}
		total := s.TotalLength()
		if total == 0 {
			return s
		}
		bufDistance := (key.start - s.key.start) - s.Buffered()
		endDistance := total - key.start
		if bufDistance > opts.ReuseDistance && endDistance < opts.FinalDistance {
			t.logger.Debug("skipping distant covering stream",
				slog.Int("stream", s.index),
				slog.Int64("buffer_distance", bufDistance),
				slog.Int64("end_distance", endDistance),
			)
			continue
		}
		return s
	}
	return nil
}

// retryable reports whether a failed lookup should be attempted again by
// the next request. Unavailability is final for the life of the track.
func retryable[T any](f *Future[T]) bool {
	_, resolved, err := f.Result()
	return resolved && err != nil && !errors.Is(err, ErrUnavailable)
}

// lookupError classifies a catalog failure. Objects that do not exist or
// are not tracks are unavailable for good; anything else is an upstream
// error and is retried by the next request.
func lookupError(err error) error {
	if errors.Is(err, catalog.ErrNotFound) ||
		errors.Is(err, catalog.ErrNotTrack) ||
		errors.Is(err, catalog.ErrInvalidURI) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

func (t *Track) resolveMetadata(ctx context.Context) (*catalog.TrackMetadata, error) {
	t.mu.Lock()
	f := t.metadata
	if f == nil || retryable(f) {
		f = NewFuture[*catalog.TrackMetadata]()
		t.metadata = f
		go t.fetchMetadata(f)
	}
	t.mu.Unlock()

	return f.Wait(ctx)
}

func (t *Track) fetchMetadata(f *Future[*catalog.TrackMetadata]) {
	acct := t.deps.opts.Account

	md, err := t.deps.catalog.Metadata(t.ctx, t.uri)
	if err != nil {
		err = lookupError(err)
		t.logger.Warn("metadata lookup failed", slog.String("error", err.Error()))
		f.Resolve(nil, err)
		return
	}

	if !md.IsAvailable(acct) {
		alt, ok := md.FindAlternative(acct)
		if !ok {
			t.logger.Warn("track is not available and has no alternative",
				slog.String("country", acct.Country),
				slog.String("catalogue", acct.Catalogue.String()),
			)
			f.Resolve(nil, fmt.Errorf("%w: restricted for %s/%s", ErrUnavailable, acct.Country, acct.Catalogue))
			return
		}
		t.logger.Info("track is restricted, using alternative",
			slog.String("alternative", alt.URI),
		)
		md = alt
	}

	t.logger.Info("resolved track metadata",
		slog.String("name", md.Name),
		slog.String("artists", md.ArtistNames()),
		slog.Int64("duration_ms", md.DurationMs),
	)
	f.Resolve(md, nil)
}

func (t *Track) resolveInfo(ctx context.Context, md *catalog.TrackMetadata) (catalog.StreamInfo, error) {
	t.mu.Lock()
	f := t.info
	if f == nil || retryable(f) {
		f = NewFuture[catalog.StreamInfo]()
		t.info = f
		go t.fetchInfo(f, md)
	}
	t.mu.Unlock()

	waitCtx := ctx
	if timeout := t.deps.opts.InfoTimeout; timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	info, err := f.Wait(waitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		t.logger.Warn("stream info lookup timed out", slog.Duration("timeout", t.deps.opts.InfoTimeout))
		return catalog.StreamInfo{}, ErrResolveTimeout
	}
	return info, err
}

func (t *Track) fetchInfo(f *Future[catalog.StreamInfo], md *catalog.TrackMetadata) {
	info, err := t.deps.catalog.TrackURI(t.ctx, md, t.deps.opts.Format)
	switch {
	case err != nil:
		err = lookupError(err)
	case info.URI == "":
		err = fmt.Errorf("%w: no stream location", ErrUnavailable)
	}
	if err != nil {
		t.logger.Warn("stream info lookup failed", slog.String("error", err.Error()))
		f.Resolve(catalog.StreamInfo{}, err)
		return
	}
	t.logger.Debug("resolved stream info", slog.String("lid", info.LID))
	f.Resolve(info, nil)
}

// applyLimitsLocked throttles the whole-file stream while other streams of
// the track are still downloading, so a seek gets the bandwidth.
func (t *Track) applyLimitsLocked() {
	opts := t.deps.opts
	if opts.ThrottleRate <= 0 || len(t.order) < 2 || t.throttled != nil {
		return
	}

	var whole *Stream
	active := false
	for _, s := range t.order {
		if s.key.whole() {
			whole = s
			continue
		}
		if s.State() != StateBuffered {
			active = true
		}
	}
	if whole == nil || !active || whole.State() == StateBuffered {
		return
	}

	whole.SetThrottle(rate.NewLimiter(rate.Limit(opts.ThrottleRate), int(max(opts.ChunkMax, 1))))
	t.throttled = whole
	t.deps.metrics.Throttle("set")
	t.logger.Info("throttling whole-file stream",
		slog.Int("stream", whole.index),
		slog.Int64("bytes_per_second", opts.ThrottleRate),
	)
}

func (t *Track) liftLocked(reason string) {
	if t.throttled == nil {
		return
	}
	t.throttled.SetThrottle(nil)
	t.logger.Info("lifted throttle", slog.Int("stream", t.throttled.index), slog.String("reason", reason))
	t.throttled = nil
	t.deps.metrics.Throttle("lift")
}

// onBuffered lifts the throttle once every other stream has finished.
func (t *Track) onBuffered(s *Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.throttled == nil {
		return
	}
	if s == t.throttled {
		t.throttled = nil
		return
	}
	for _, o := range t.order {
		if o != t.throttled && o.State() != StateBuffered {
			return
		}
	}
	t.liftLocked("buffered")
}

// limitReset lifts the throttle unconditionally.
func (t *Track) limitReset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.liftLocked("timer")
}

// onRead marks the start of playback. Only the first call has an effect.
func (t *Track) onRead() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.playing || t.closed {
		return
	}
	t.playing = true
	t.readingStart = time.Now()
	t.logger.Info("playback started")

	if d := t.deps.opts.RateLimitRelease; d > 0 {
		t.limitTimer = time.AfterFunc(d, t.limitReset)
	}

	t.signalLocked(playbackSignal{
		kind: "start",
		send: func(ctx context.Context, lid string, _ int64) error {
			return t.deps.catalog.TrackEvent(ctx, lid, catalog.EventPlaybackStarted, 0)
		},
	})

	if every := t.deps.opts.ProgressInterval; every > 0 {
		ctx, cancel := context.WithCancel(t.ctx)
		t.stopProgress = cancel
		go t.reportProgress(ctx, every)
	}
}

func (t *Track) reportProgress(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Progress()
		}
	}
}

// positionLocked is the playback position in milliseconds, clamped to the
// track duration.
func (t *Track) positionLocked() int64 {
	if !t.playing {
		return 0
	}
	pos := time.Since(t.readingStart).Milliseconds()
	if t.metadata != nil {
		if md, _, err := t.metadata.Result(); err == nil && md != nil && md.DurationMs > 0 {
			pos = min(pos, md.DurationMs)
		}
	}
	return pos
}

// Progress reports the current playback position.
func (t *Track) Progress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.playing || t.ended {
		return
	}
	t.signalLocked(playbackSignal{
		kind: "progress",
		pos:  t.positionLocked(),
		send: t.deps.catalog.TrackProgress,
	})
}

// End reports the end of playback. It does nothing unless playback has
// started, and only reports once.
func (t *Track) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLocked()
}

func (t *Track) endLocked() {
	if !t.playing || t.ended {
		return
	}
	t.ended = true
	if t.stopProgress != nil {
		t.stopProgress()
	}
	pos := t.positionLocked()
	t.logger.Info("playback ended", slog.Int64("position_ms", pos))
	t.signalLocked(playbackSignal{kind: "end", pos: pos, send: t.deps.catalog.TrackEnd})
}

// Close ends playback, stops every stream and releases the track.
func (t *Track) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.endLocked()
	t.closed = true
	if t.limitTimer != nil {
		t.limitTimer.Stop()
	}
	if t.endTimer != nil {
		t.endTimer.Stop()
	}
	for _, s := range t.order {
		s.close()
	}
	close(t.signals)
	t.mu.Unlock()

	t.cancel()
	t.logger.Debug("track closed")
}

func (t *Track) signalLocked(sig playbackSignal) {
	if t.closed {
		return
	}
	if t.info != nil {
		if info, resolved, err := t.info.Result(); resolved && err == nil {
			sig.lid = info.LID
		}
	}
	select {
	case t.signals <- sig:
	default:
		t.logger.Warn("dropping playback event, queue full", slog.String("event", sig.kind))
	}
}

// deliverSignals sends playback events in order. Failures are logged and
// never reach the reader.
func (t *Track) deliverSignals() {
	defer close(t.signalsDrained)
	for sig := range t.signals {
		if sig.lid == "" {
			t.logger.Debug("no playback session, skipping event", slog.String("event", sig.kind))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		err := sig.send(ctx, sig.lid, sig.pos)
		cancel()

		t.deps.metrics.PlaybackEvent(sig.kind, err)
		if err != nil {
			t.logger.Warn("playback event failed",
				slog.String("event", sig.kind),
				slog.String("error", err.Error()),
			)
		}
	}
}

// TrackSnapshot is a point-in-time view of a cached track.
type TrackSnapshot struct {
	URI         string        `json:"uri"`
	Name        string        `json:"name,omitempty"`
	Artists     string        `json:"artists,omitempty"`
	DurationMs  int64         `json:"duration_ms,omitempty"`
	TotalLength int64         `json:"total_length"`
	Playing     bool          `json:"playing"`
	Ended       bool          `json:"ended"`
	PositionMs  int64         `json:"position_ms"`
	Readers     int           `json:"readers"`
	Current     bool          `json:"current"`
	CreatedAt   time.Time     `json:"created_at"`
	LastAccess  time.Time     `json:"last_access"`
	Streams     []StreamStats `json:"streams"`
}

// Snapshot returns the track's state for the status API.
func (t *Track) Snapshot() TrackSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := TrackSnapshot{
		URI:         t.uri,
		TotalLength: t.totalLengthLocked(),
		Playing:     t.playing,
		Ended:       t.ended,
		PositionMs:  t.positionLocked(),
		Readers:     t.Readers(),
		CreatedAt:   t.createdAt,
		LastAccess:  t.lastAccess,
		Streams:     make([]StreamStats, 0, len(t.order)),
	}
	if t.metadata != nil {
		if md, _, err := t.metadata.Result(); err == nil && md != nil {
			snap.Name = md.Name
			snap.Artists = md.ArtistNames()
			snap.DurationMs = md.DurationMs
		}
	}
	for _, s := range t.order {
		snap.Streams = append(snap.Streams, s.Stats())
	}
	return snap
}
