package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/jmylchreest/trackproxy/internal/catalog"
)

// maxErrorBody bounds how much of an upstream error payload is logged.
const maxErrorBody = 4 << 10

// StreamState is the lifecycle of a Stream. It only moves forward.
type StreamState int32

const (
	StateEmpty StreamState = iota
	StateOpening
	StateOpened
	StateReading
	StateBuffered
)

var stateNames = [...]string{"empty", "opening", "opened", "reading", "buffered"}

func (s StreamState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// streamKey identifies a stream within a track by its requested window.
// end is -1 for open ranges.
type streamKey struct {
	start  int64
	end    int64
	suffix bool
}

func keyFor(r *Range) streamKey {
	switch {
	case r == nil:
		return streamKey{start: 0, end: -1}
	case r.IsSuffix():
		return streamKey{end: *r.End, suffix: true}
	}
	k := streamKey{start: *r.Start, end: -1}
	if r.End != nil {
		k.end = *r.End
	}
	return k
}

// whole reports whether the key spans the entire resource.
func (k streamKey) whole() bool {
	return !k.suffix && k.start == 0 && k.end < 0
}

// covers reports whether a stream fetched for k contains the window r.
func (k streamKey) covers(r streamKey) bool {
	if k.suffix || r.suffix || k.start > r.start {
		return false
	}
	return k.end < 0 || k.end == r.end || (r.end >= 0 && k.end >= r.end)
}

// Stream is one upstream fetch of a track window. A single pump goroutine
// appends to the buffer; any number of readers consume it through Iter.
type Stream struct {
	track     *Track
	index     int
	id        ulid.ULID
	key       streamKey
	requested *Range
	url       string
	logger    *slog.Logger
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	openOnce   sync.Once
	finishOnce sync.Once
	opened     *Future[struct{}]

	// Written by the pump before opened resolves.
	contentLength int64
	contentRange  *ContentRange
	totalLength   int64
	contentType   string

	buf     *appendBuffer
	readers atomic.Int32

	throttleMu     sync.Mutex
	throttle       *rate.Limiter
	throttleCtx    context.Context
	throttleCancel context.CancelFunc
}

func newStream(t *Track, index int, r *Range, url string) *Stream {
	ctx, cancel := context.WithCancel(t.ctx)
	id := ulid.Make()
	return &Stream{
		track:     t,
		index:     index,
		id:        id,
		key:       keyFor(r),
		requested: r,
		url:       url,
		logger: t.logger.With(
			slog.Int("stream", index),
			slog.String("stream_id", id.String()),
			slog.String("range", rangeLabel(r)),
		),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		opened:    NewFuture[struct{}](),
		buf:       newAppendBuffer(0),
	}
}

func rangeLabel(r *Range) string {
	if r == nil {
		return "whole"
	}
	return r.String()
}

// ID returns the stream's sortable identifier.
func (s *Stream) ID() ulid.ULID { return s.id }

// State returns the current lifecycle state.
func (s *Stream) State() StreamState { return StreamState(s.state.Load()) }

// Requested returns the window the stream was opened for; nil is the whole resource.
func (s *Stream) Requested() *Range { return s.requested }

// Buffered returns the number of bytes received so far.
func (s *Stream) Buffered() int64 { return s.buf.Len() }

func (s *Stream) setState(next StreamState) bool {
	for {
		cur := s.state.Load()
		if int32(next) <= cur {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.logger.Debug("stream state changed",
				slog.String("from", StreamState(cur).String()),
				slog.String("to", next.String()),
			)
			return true
		}
	}
}

// isOpen reports whether the upstream answered with content. The header
// fields are safe to read once it returns true.
func (s *Stream) isOpen() bool {
	_, resolved, err := s.opened.Result()
	return resolved && err == nil
}

// ContentLength is the number of bytes the upstream will send. Zero until opened.
func (s *Stream) ContentLength() int64 {
	if !s.isOpen() {
		return 0
	}
	return s.contentLength
}

// TotalLength is the size of the whole resource. Zero until opened.
func (s *Stream) TotalLength() int64 {
	if !s.isOpen() {
		return 0
	}
	return s.totalLength
}

// ContentRange is the window of the resource the upstream is sending.
func (s *Stream) ContentRange() *ContentRange {
	if !s.isOpen() {
		return nil
	}
	return s.contentRange
}

// ContentType is the upstream media type.
func (s *Stream) ContentType() string {
	if !s.isOpen() {
		return ""
	}
	return s.contentType
}

// Open starts the upstream fetch in the background. Only the first call
// has any effect.
func (s *Stream) Open() {
	s.openOnce.Do(func() {
		s.setState(StateOpening)
		go s.run()
	})
}

// WaitOpened blocks until the upstream has answered. Error payloads and
// failed fetches are returned as ErrUpstream.
func (s *Stream) WaitOpened(ctx context.Context) error {
	_, err := s.opened.Wait(ctx)
	return err
}

func (s *Stream) run() {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream pump panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	release, err := s.track.deps.pool.Acquire(s.ctx, s.url)
	if err != nil {
		s.opened.Resolve(struct{}{}, fmt.Errorf("%w: %w", ErrUpstream, err))
		return
	}
	defer release()

	body, err := s.fetch()
	if err != nil {
		s.logger.Warn("stream open failed", slog.String("error", err.Error()))
		s.opened.Resolve(struct{}{}, err)
		return
	}
	defer body.Close()

	s.setState(StateOpened)
	s.opened.Resolve(struct{}{}, nil)

	s.pump(body)
}

func (s *Stream) fetch() (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrUpstream, err)
	}
	if s.requested != nil {
		req.Header.Set("Range", s.requested.String())
	}

	start := time.Now()
	resp, err := s.track.deps.audio.Do(req)
	if err != nil {
		s.track.deps.metrics.UpstreamOpened(false, time.Since(start))
		return nil, fmt.Errorf("%w: fetching audio: %w", ErrUpstream, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 || catalog.IsErrorContentType(contentType) {
		s.track.deps.metrics.UpstreamOpened(false, time.Since(start))
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		s.logger.Warn("upstream returned an error payload",
			slog.Int("status", resp.StatusCode),
			slog.String("content_type", contentType),
			slog.String("body", string(body)),
		)
		return nil, fmt.Errorf("%w: %w", ErrUpstream, catalog.ParseUpstreamError(resp.StatusCode, body))
	}

	length := resp.ContentLength
	cr := ParseContentRange(resp.Header.Get("Content-Range"))
	if length < 0 && cr != nil {
		length = cr.Size()
	}
	if length < 0 {
		s.track.deps.metrics.UpstreamOpened(false, time.Since(start))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: response has no content length", ErrUpstream)
	}
	if cr == nil {
		cr = &ContentRange{Unit: RangeUnit, Start: 0, End: length - 1, Length: length}
	}
	s.track.deps.metrics.UpstreamOpened(true, time.Since(start))

	s.contentLength = length
	s.contentRange = cr
	s.totalLength = cr.Length
	s.contentType = contentType
	s.buf.Grow(length)

	s.logger.Debug("stream opened",
		slog.Int("status", resp.StatusCode),
		slog.Int64("content_length", length),
		slog.String("content_range", cr.String()),
		slog.Int64("total_length", cr.Length),
	)
	return resp.Body, nil
}

func (s *Stream) pump(body io.Reader) {
	s.setState(StateReading)

	progress := newProgressLog(s.logger, "buffering")
	chunk := make([]byte, max(s.track.deps.opts.ReadSize, 1))

	for {
		limiter, limitCtx := s.currentThrottle()
		p := chunk
		if limiter != nil && len(p) > limiter.Burst() {
			p = p[:limiter.Burst()]
		}

		n, err := body.Read(p)
		if n > 0 {
			s.buf.Append(p[:n])
			s.track.deps.metrics.UpstreamBytes(n)
			progress.update(s.buf.Len(), s.contentLength)

			// A lifted throttle cancels limitCtx, which just ends the wait.
			if limiter != nil {
				if werr := limiter.WaitN(limitCtx, n); werr != nil && s.ctx.Err() != nil {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Warn("upstream read failed, keeping partial buffer",
					slog.String("error", err.Error()),
					slog.Int64("buffered", s.buf.Len()),
				)
			}
			return
		}
	}
}

// finish marks the stream buffered. It runs once, whatever ended the pump.
func (s *Stream) finish() {
	s.finishOnce.Do(func() {
		s.opened.Resolve(struct{}{}, fmt.Errorf("%w: stream closed before opening", ErrUpstream))
		s.buf.Close()
		s.setState(StateBuffered)
		s.logger.Debug("stream buffered", slog.Int64("bytes", s.buf.Len()))
		s.track.onBuffered(s)
	})
}

// close stops the pump. Readers drain what was buffered and stop.
func (s *Stream) close() {
	s.cancel()
}

// SetThrottle installs limiter on the pump, or removes throttling when nil.
// Replacing a limiter wakes a pump blocked on the old one.
func (s *Stream) SetThrottle(limiter *rate.Limiter) {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()

	if s.throttleCancel != nil {
		s.throttleCancel()
	}
	s.throttle, s.throttleCtx, s.throttleCancel = limiter, nil, nil
	if limiter != nil {
		s.throttleCtx, s.throttleCancel = context.WithCancel(s.ctx)
	}
}

func (s *Stream) currentThrottle() (*rate.Limiter, context.Context) {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	return s.throttle, s.throttleCtx
}

// Throttled reports whether the pump is rate limited.
func (s *Stream) Throttled() bool {
	limiter, _ := s.currentThrottle()
	return limiter != nil
}

// Iter calls fn with consecutive chunks of the resource window, blocking
// while the pump catches up. A nil window streams everything the upstream
// sends. Iter returns when the window is complete, the stream is buffered,
// ctx ends, or fn fails. Concurrent calls are independent.
func (s *Stream) Iter(ctx context.Context, window *ContentRange, fn func([]byte) error) error {
	if _, err := s.opened.Wait(ctx); err != nil {
		return err
	}

	position, end := int64(0), s.contentLength
	if window != nil {
		position = window.Start - s.contentRange.Start
		end = window.End - s.contentRange.Start + 1
	}
	end = min(end, s.contentLength)
	if position < 0 {
		return fmt.Errorf("window %s starts before stream %s", window, s.contentRange)
	}

	s.readers.Add(1)
	defer s.readers.Add(-1)

	opts := s.track.deps.opts
	progress := newProgressLog(s.logger, "streaming")
	first := true

	for position < end {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := min(chunkSize(position, s.totalLength, opts.ChunkMin, opts.ChunkMax), end-position)

		data := s.buf.Slice(position, size)
		if len(data) == 0 {
			complete := s.buf.Complete()
			if data = s.buf.Slice(position, size); len(data) == 0 {
				if complete {
					break
				}
				if err := s.buf.Wait(ctx, position); err != nil {
					return err
				}
				continue
			}
		}

		if first {
			first = false
			s.track.onRead()
		}
		if err := fn(data); err != nil {
			return err
		}
		position += int64(len(data))
		progress.update(position, end)
	}

	s.logger.Debug("stream iteration complete", slog.Int64("position", position), slog.Int64("end", end))
	return nil
}

// StreamStats is a point-in-time view of a stream for the status API.
type StreamStats struct {
	ID            string    `json:"id"`
	Index         int       `json:"index"`
	Range         string    `json:"range"`
	State         string    `json:"state"`
	Buffered      int64     `json:"buffered"`
	ContentLength int64     `json:"content_length"`
	ContentRange  string    `json:"content_range,omitempty"`
	TotalLength   int64     `json:"total_length"`
	Throttled     bool      `json:"throttled"`
	Readers       int       `json:"readers"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats returns a snapshot of the stream.
func (s *Stream) Stats() StreamStats {
	st := StreamStats{
		ID:        s.id.String(),
		Index:     s.index,
		Range:     rangeLabel(s.requested),
		State:     s.State().String(),
		Buffered:  s.buf.Len(),
		Throttled: s.Throttled(),
		Readers:   int(s.readers.Load()),
		CreatedAt: s.createdAt,
	}
	if s.isOpen() {
		st.ContentLength = s.contentLength
		st.ContentRange = s.contentRange.String()
		st.TotalLength = s.totalLength
	}
	return st
}
