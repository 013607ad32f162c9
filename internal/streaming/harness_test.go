package streaming

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/trackproxy/internal/catalog"
	"github.com/jmylchreest/trackproxy/internal/catalog/catalogtest"
	"github.com/jmylchreest/trackproxy/internal/profile"
	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

const (
	testTrackURI = "spotify:track:6rqhFgbbKwnb9MLmUQDhG6"
	testLID      = "lid-1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func resource(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 31 % 251)
	}
	return data
}

// audioUpstream serves data with Range support. While hold is set, responses
// starting before holdAt stop there until release is called.
type audioUpstream struct {
	t      *testing.T
	data   []byte
	srv    *httptest.Server
	chunk  int
	status int    // overrides the response when non-zero
	ctype  string // overrides Content-Type
	body   string // sent instead of audio with status/ctype

	requests atomic.Int32

	mu      sync.Mutex
	ranges  []string
	holdAt  int64
	hold    chan struct{}
	omitLen bool
}

func newAudioUpstream(t *testing.T, size int) *audioUpstream {
	u := &audioUpstream{t: t, data: resource(size), chunk: 16 << 10, holdAt: -1}
	u.srv = httptest.NewServer(u)
	t.Cleanup(u.srv.Close)
	t.Cleanup(u.release)
	return u
}

// holdFrom pauses every response once it reaches absolute offset at.
func (u *audioUpstream) holdFrom(at int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.holdAt = at
	u.hold = make(chan struct{})
}

func (u *audioUpstream) release() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.hold != nil {
		close(u.hold)
		u.hold = nil
	}
	u.holdAt = -1
}

func (u *audioUpstream) Ranges() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.ranges...)
}

func (u *audioUpstream) URL() string { return u.srv.URL + "/audio/track.mp3" }

func (u *audioUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.requests.Add(1)
	u.mu.Lock()
	u.ranges = append(u.ranges, r.Header.Get("Range"))
	holdAt, hold := u.holdAt, u.hold
	u.mu.Unlock()

	if u.status != 0 || u.ctype != "" {
		if u.ctype != "" {
			w.Header().Set("Content-Type", u.ctype)
		}
		w.WriteHeader(max(u.status, http.StatusOK))
		_, _ = io.WriteString(w, u.body)
		return
	}

	total := int64(len(u.data))
	start, end := int64(0), total-1
	status := http.StatusOK
	if rng := ParseRange(r.Header.Get("Range")); rng != nil {
		cr := rng.ContentRange(total)
		if cr.Start >= total {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		start, end = cr.Start, min(cr.End, total-1)
		cr.End = end
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", cr.String())
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	if !u.omitLen {
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	}
	w.WriteHeader(status)

	// Responses that start past the hold point are not held.
	if start >= holdAt {
		hold = nil
	}

	rc := http.NewResponseController(w)
	for pos := start; pos <= end; {
		if hold != nil && pos >= holdAt {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
			hold = nil
		}
		n := min(int64(u.chunk), end-pos+1)
		if hold != nil && pos < holdAt {
			n = min(n, holdAt-pos)
		}
		if _, err := w.Write(u.data[pos : pos+n]); err != nil {
			return
		}
		_ = rc.Flush()
		pos += n
	}
}

type staticProfiles struct{ ranges bool }

func (p staticProfiles) Get(device string) profile.Profile {
	return profile.Profile{Name: "test", Supports: profile.Supports{Ranges: p.ranges}}
}

func testServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Track.ThrottleRate = 64 << 20
	cfg.Track.RateLimitRelease = 0
	cfg.OpenTimeout = 5 * time.Second
	cfg.JanitorInterval = 0
	return cfg
}

func testAudioClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.Name = "audio"
	cfg.RetryAttempts = 0
	cfg.EnableDecompression = false
	cfg.Logger = testLogger()
	cfg.BaseClient = httpclient.StreamingBaseClient(5 * time.Second)
	return httpclient.New(cfg)
}

func testMetadata(uri string) catalog.TrackMetadata {
	return catalog.TrackMetadata{
		URI:        uri,
		Name:       "Song",
		Artists:    []catalog.Artist{{Name: "Band"}},
		DurationMs: 180_000,
	}
}

type harness struct {
	server   *Server
	catalog  *catalogtest.Fake
	upstream *audioUpstream
}

func newHarness(t *testing.T, size int, cfg ServerConfig, ranges bool) *harness {
	t.Helper()
	up := newAudioUpstream(t, size)
	fake := catalogtest.New()
	fake.AddTrack(testMetadata(testTrackURI), catalog.StreamInfo{URI: up.URL(), LID: testLID})

	srv := NewServer(cfg, fake, testAudioClient(), staticProfiles{ranges: ranges}, nil, testLogger())
	t.Cleanup(srv.Stop)
	return &harness{server: srv, catalog: fake, upstream: up}
}

// track returns a track bound to the harness catalog and upstream.
func (h *harness) track() *Track {
	return h.server.getOrCreate(testTrackURI)
}

// proxy serves the track route through the dispatcher.
func (h *harness) proxy(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewDispatcher(h.server).Middleware(http.NotFoundHandler()))
	t.Cleanup(srv.Close)
	return srv
}

func (h *harness) get(t *testing.T, proxyURL, uri, rangeHeader string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, TrackURL(proxyURL, uri), nil)
	require.NoError(t, err)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func collect(t *testing.T, ctx context.Context, s *Stream, window *ContentRange) []byte {
	t.Helper()
	var out []byte
	require.NoError(t, s.Iter(ctx, window, func(p []byte) error {
		out = append(out, p...)
		return nil
	}))
	return out
}
