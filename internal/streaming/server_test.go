package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/trackproxy/internal/catalog"
)

const scenarioSize = 1_000_000

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func TestServer_WholeTrack(t *testing.T) {
	h := newHarness(t, scenarioSize, testServerConfig(), true)
	proxy := h.proxy(t)

	resp := h.get(t, proxy.URL, testTrackURI, "")
	body := readAll(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strconv.Itoa(scenarioSize), resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Content-Range"))
	assert.Equal(t, h.upstream.data, body)
	assert.Equal(t, int32(1), h.upstream.requests.Load())
}

func TestServer_SeekReusesInFlightStream(t *testing.T) {
	h := newHarness(t, scenarioSize, testServerConfig(), true)
	h.upstream.holdFrom(300_000)
	proxy := h.proxy(t)

	first := h.get(t, proxy.URL, testTrackURI, "")
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstBody := make(chan []byte, 1)
	go func() { firstBody <- readAll(t, first) }()

	tr, ok := h.server.Track(testTrackURI)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		snap := tr.Snapshot()
		return len(snap.Streams) == 1 && snap.Streams[0].Buffered == 300_000
	}, 5*time.Second, 5*time.Millisecond)

	// 500000 bytes remain past the seek point, far more than the final
	// distance, so the whole-file stream is reused despite the gap.
	second := h.get(t, proxy.URL, testTrackURI, "bytes=500000-")
	assert.Equal(t, http.StatusPartialContent, second.StatusCode)
	assert.Equal(t, "bytes 500000-999999/1000000", second.Header.Get("Content-Range"))
	assert.Equal(t, "500000", second.Header.Get("Content-Length"))

	h.upstream.release()
	assert.Equal(t, h.upstream.data[500_000:], readAll(t, second))
	assert.Equal(t, h.upstream.data, <-firstBody)

	assert.Equal(t, int32(1), h.upstream.requests.Load())
	assert.Len(t, tr.Snapshot().Streams, 1)
}

func TestServer_SeekNearEndOpensSecondStream(t *testing.T) {
	cfg := testServerConfig()
	cfg.Track.ReuseDistance = 64 << 10
	cfg.Track.FinalDistance = 256 << 10
	h := newHarness(t, scenarioSize, cfg, true)
	h.upstream.holdFrom(100_000)
	proxy := h.proxy(t)

	first := h.get(t, proxy.URL, testTrackURI, "")
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstBody := make(chan []byte, 1)
	go func() { firstBody <- readAll(t, first) }()

	tr, ok := h.server.Track(testTrackURI)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		snap := tr.Snapshot()
		return len(snap.Streams) == 1 && snap.Streams[0].Buffered == 100_000
	}, 5*time.Second, 5*time.Millisecond)

	// 800000 bytes short of the buffered edge with only 100000 left: the
	// proxy fetches the tail separately instead of waiting.
	second := h.get(t, proxy.URL, testTrackURI, "bytes=900000-")
	assert.Equal(t, http.StatusPartialContent, second.StatusCode)
	assert.Equal(t, "bytes 900000-999999/1000000", second.Header.Get("Content-Range"))
	assert.Equal(t, "100000", second.Header.Get("Content-Length"))
	assert.Equal(t, h.upstream.data[900_000:], readAll(t, second))

	assert.Equal(t, int32(2), h.upstream.requests.Load())
	assert.Equal(t, []string{"", "bytes=900000-"}, h.upstream.Ranges())

	h.upstream.release()
	assert.Equal(t, h.upstream.data, <-firstBody)
}

func TestServer_UnavailableTrack(t *testing.T) {
	h := newHarness(t, 1000, testServerConfig(), true)
	md := testMetadata("spotify:track:blocked")
	md.Restrictions = []catalog.Restriction{{
		Catalogues:         []catalog.Catalogue{catalog.CatalogueSubscription},
		CountriesForbidden: "GB",
	}}
	h.catalog.AddTrack(md, catalog.StreamInfo{URI: h.upstream.URL(), LID: "x"})
	proxy := h.proxy(t)

	resp := h.get(t, proxy.URL, md.URI, "")
	body := readAll(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, body)
	assert.Zero(t, h.upstream.requests.Load())
}

func TestServer_UpstreamErrorIs404(t *testing.T) {
	h := newHarness(t, 1000, testServerConfig(), true)
	h.upstream.ctype = "text/xml"
	h.upstream.body = `<error code="404"><message>gone</message></error>`
	proxy := h.proxy(t)

	resp := h.get(t, proxy.URL, testTrackURI, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, readAll(t, resp))
}

func TestServer_LookupFailuresAre404(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		metadataErr error
		trackURIErr error
	}{
		{name: "metadata gateway error", uri: testTrackURI, metadataErr: &catalog.UpstreamError{Status: http.StatusServiceUnavailable}},
		{name: "metadata transport error", uri: testTrackURI, metadataErr: errors.New("connection reset")},
		{name: "stream info gateway error", uri: testTrackURI, trackURIErr: &catalog.UpstreamError{Status: http.StatusBadGateway}},
		{name: "album uri", uri: "spotify:album:6rqhFgbbKwnb9MLmUQDhG6"},
		{name: "malformed uri", uri: "spotify:track:not-base62!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1000, testServerConfig(), true)
			h.catalog.FailMetadata(tt.metadataErr)
			h.catalog.FailTrackURI(tt.trackURIErr)
			proxy := h.proxy(t)

			resp := h.get(t, proxy.URL, tt.uri, "")
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Empty(t, readAll(t, resp))
			assert.Zero(t, h.upstream.requests.Load())
		})
	}
}

func TestServer_LookupRetriedAfterUpstreamError(t *testing.T) {
	h := newHarness(t, 1000, testServerConfig(), true)
	h.catalog.FailMetadata(&catalog.UpstreamError{Status: http.StatusServiceUnavailable})
	proxy := h.proxy(t)

	resp := h.get(t, proxy.URL, testTrackURI, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readAll(t, resp)

	h.catalog.FailMetadata(nil)
	resp = h.get(t, proxy.URL, testTrackURI, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, h.upstream.data, readAll(t, resp))
	assert.Equal(t, 2, h.catalog.MetadataCalls())
}

func TestServer_ClientDisconnectEndsPlayback(t *testing.T) {
	cfg := testServerConfig()
	cfg.Track.EndGrace = 20 * time.Millisecond
	h := newHarness(t, scenarioSize, cfg, true)
	h.upstream.holdFrom(200_000)
	proxy := h.proxy(t)

	resp := h.get(t, proxy.URL, testTrackURI, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.ReadFull(resp.Body, make([]byte, 50_000))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.catalog.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.catalog.Ends(), "playback continues while the client reads")

	require.NoError(t, resp.Body.Close())
	http.DefaultClient.CloseIdleConnections()

	assert.Eventually(t, func() bool {
		ends := h.catalog.Ends()
		return len(ends) == 1 && ends[0].LID == testLID
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := h.server.Track(testTrackURI)
	assert.True(t, ok, "track stays cached for a reconnect")
}

func TestServer_ClosedTrackIsReplaced(t *testing.T) {
	h := newHarness(t, 10_000, testServerConfig(), true)
	proxy := h.proxy(t)

	stale := h.server.getOrCreate(testTrackURI)
	stale.Close()

	resp := h.get(t, proxy.URL, testTrackURI, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, h.upstream.data, readAll(t, resp))

	cur, ok := h.server.Track(testTrackURI)
	require.True(t, ok)
	assert.NotSame(t, stale, cur)
	assert.Same(t, cur, h.server.current.Load())
}

func TestServer_OpenTimeout(t *testing.T) {
	cfg := testServerConfig()
	cfg.OpenTimeout = 20 * time.Millisecond
	cfg.MaxConnsPerHost = 1
	h := newHarness(t, 1000, cfg, true)

	// Occupy the only upstream slot so the open cannot start.
	release, err := h.server.deps.pool.Acquire(context.Background(), h.upstream.URL())
	require.NoError(t, err)
	defer release()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, TrackURL("", testTrackURI), nil)
	h.server.ServeTrack(rec, req, testTrackURI)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestServer_RangeStatus(t *testing.T) {
	tests := []struct {
		name         string
		ranges       bool
		header       string
		status       int
		contentRange string
		start, end   int
	}{
		{"explicit window", true, "bytes=100-199", http.StatusPartialContent, "bytes 100-199/1000000", 100, 199},
		{"open ended", true, "bytes=100-", http.StatusPartialContent, "bytes 100-999999/1000000", 100, 999_999},
		{"end clamped", true, "bytes=100-5000000", http.StatusPartialContent, "bytes 100-999999/1000000", 100, 999_999},
		{"suffix", true, "bytes=-100000", http.StatusPartialContent, "bytes 900000-999999/1000000", 900_000, 999_999},
		{"below final floor", true, "bytes=990000-", http.StatusOK, "", 0, 999_999},
		{"past the end", true, "bytes=2000000-", http.StatusOK, "", 0, 999_999},
		{"malformed", true, "bytes=abc", http.StatusOK, "", 0, 999_999},
		{"ranges unsupported", false, "bytes=100-199", http.StatusOK, "", 0, 999_999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, scenarioSize, testServerConfig(), tt.ranges)
			proxy := h.proxy(t)

			resp := h.get(t, proxy.URL, testTrackURI, tt.header)
			body := readAll(t, resp)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.contentRange, resp.Header.Get("Content-Range"))
			assert.Equal(t, strconv.Itoa(tt.end-tt.start+1), resp.Header.Get("Content-Length"))
			assert.Equal(t, h.upstream.data[tt.start:tt.end+1], body)

			if tt.ranges {
				assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
			} else {
				assert.Empty(t, resp.Header.Get("Accept-Ranges"))
				assert.Equal(t, []string{""}, h.upstream.Ranges(), "range is not forwarded")
			}
		})
	}
}

func TestServer_Head(t *testing.T) {
	h := newHarness(t, 10_000, testServerConfig(), true)
	proxy := h.proxy(t)

	resp, err := http.Head(TrackURL(proxy.URL, testTrackURI))
	require.NoError(t, err)
	body := readAll(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10000", resp.Header.Get("Content-Length"))
	assert.Empty(t, body)
}

func TestServer_SwitchingTrackEvictsPrevious(t *testing.T) {
	h := newHarness(t, 10_000, testServerConfig(), true)
	other := testMetadata("spotify:track:other")
	h.catalog.AddTrack(other, catalog.StreamInfo{URI: h.upstream.URL(), LID: "lid-2"})
	proxy := h.proxy(t)

	readAll(t, h.get(t, proxy.URL, testTrackURI, ""))
	readAll(t, h.get(t, proxy.URL, testTrackURI, "bytes=0-99"))
	_, ok := h.server.Track(testTrackURI)
	require.True(t, ok, "same track stays cached")

	readAll(t, h.get(t, proxy.URL, other.URI, ""))

	_, ok = h.server.Track(testTrackURI)
	assert.False(t, ok)
	_, ok = h.server.Track(other.URI)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		ends := h.catalog.Ends()
		return len(ends) == 1 && ends[0].LID == testLID
	}, time.Second, 5*time.Millisecond)

	snaps := h.server.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, other.URI, snaps[0].URI)
	assert.True(t, snaps[0].Current)
	assert.True(t, snaps[0].Playing)

	snap, ok := h.server.TrackSnapshot(other.URI)
	require.True(t, ok)
	assert.True(t, snap.Current)
	_, ok = h.server.TrackSnapshot(testTrackURI)
	assert.False(t, ok)
}

func TestServer_EvictAndSweep(t *testing.T) {
	cfg := testServerConfig()
	cfg.IdleTTL = time.Minute
	h := newHarness(t, 1000, cfg, true)

	a := h.server.getOrCreate("spotify:track:a")
	b := h.server.getOrCreate("spotify:track:b")
	c := h.server.getOrCreate("spotify:track:c")
	h.server.current.Store(b)
	c.addReader()

	h.server.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.server.sweep()

	_, ok := h.server.Track(a.URI())
	assert.False(t, ok, "idle track swept")
	_, ok = h.server.Track(b.URI())
	assert.True(t, ok, "current track kept")
	_, ok = h.server.Track(c.URI())
	assert.True(t, ok, "track with readers kept")

	_, err := a.Stream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTrackClosed)

	c.doneReader(false)
	assert.True(t, h.server.Evict(c.URI()))
	assert.False(t, h.server.Evict(c.URI()))
	assert.True(t, h.server.Evict(b.URI()))
	assert.Nil(t, h.server.current.Load())
	assert.Empty(t, h.server.Snapshot())
}

func TestServer_StartStop(t *testing.T) {
	cfg := testServerConfig()
	cfg.IdleTTL = time.Millisecond
	cfg.JanitorInterval = 10 * time.Millisecond
	h := newHarness(t, 1000, cfg, true)

	require.NoError(t, h.server.Start(context.Background()))
	h.server.getOrCreate("spotify:track:idle")

	assert.Eventually(t, func() bool {
		_, ok := h.server.Track("spotify:track:idle")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	h.server.getOrCreate("spotify:track:left")
	h.server.Stop()
	assert.Empty(t, h.server.Snapshot())
}

func TestTrackURL(t *testing.T) {
	assert.Equal(t, "http://proxy:12555/track/spotify:track:abc.mp3", TrackURL("http://proxy:12555/", "spotify:track:abc"))
	assert.Equal(t, "/track/a%2Fb.mp3", TrackURL("", "a/b"))
}
