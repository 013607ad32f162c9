package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

const testTrackURI = "spotify:track:6rqhFgbbKwnb9MLmUQDhG6"

type gateway struct {
	metadataCalls atomic.Int32
	events        chan eventRequest
	paths         chan string
}

func newGateway(t *testing.T) (*gateway, *httptest.Server) {
	t.Helper()
	g := &gateway{events: make(chan eventRequest, 8), paths: make(chan string, 8)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/metadata/{uri}", func(w http.ResponseWriter, r *http.Request) {
		g.metadataCalls.Add(1)
		time.Sleep(20 * time.Millisecond)
		switch r.PathValue("uri") {
		case testTrackURI:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"uri":"` + testTrackURI + `","name":"Bohemian Rhapsody","duration_ms":354000}`))
		case "spotify:track:1AhDOtG9vPSOmsWgNW0BEY":
			w.Header().Set("Content-Type", "text/xml")
			_, _ = w.Write([]byte(`<error code="7"><message>restricted</message></error>`))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /v1/tracks/{gid}/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "d3aca7e43e3b452cbfa9ddd2eab9497e", r.PathValue("gid"))
		assert.Equal(t, "mp3160", r.URL.Query().Get("format"))
		_ = json.NewEncoder(w).Encode(StreamInfo{URI: "http://cdn.example/audio?sig=abc", LID: "lid-1"})
	})
	events := func(w http.ResponseWriter, r *http.Request) {
		var ev eventRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		g.paths <- r.URL.Path
		g.events <- ev
		w.WriteHeader(http.StatusNoContent)
	}
	mux.HandleFunc("POST /v1/events", events)
	mux.HandleFunc("POST /v1/events/end", events)
	mux.HandleFunc("POST /v1/events/progress", events)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return g, server
}

func newTestHTTPClient(t *testing.T, baseURL string, ttl time.Duration) *HTTPClient {
	t.Helper()
	cfg := httpclient.DefaultConfig()
	cfg.Name = "catalog"
	cfg.RetryAttempts = 0
	cfg.AcceptableStatusCodes = httpclient.MustParseStatusCodes("200-299,404")

	c, err := NewHTTPClient(HTTPConfig{BaseURL: baseURL + "/", CacheSize: 16, CacheTTL: ttl}, httpclient.New(cfg), nil)
	require.NoError(t, err)
	return c
}

func TestHTTPClient_MetadataCachesAndDeduplicates(t *testing.T) {
	g, server := newGateway(t)
	c := newTestHTTPClient(t, server.URL, time.Minute)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			md, err := c.Metadata(context.Background(), testTrackURI)
			assert.NoError(t, err)
			assert.Equal(t, "Bohemian Rhapsody", md.Name)
		}()
	}
	wg.Wait()

	_, err := c.Metadata(context.Background(), "track:6rqhFgbbKwnb9MLmUQDhG6")
	require.NoError(t, err)
	assert.Equal(t, int32(1), g.metadataCalls.Load())
}

func TestHTTPClient_MetadataTTL(t *testing.T) {
	g, server := newGateway(t)
	c := newTestHTTPClient(t, server.URL, time.Minute)

	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Metadata(context.Background(), testTrackURI)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Metadata(context.Background(), testTrackURI)
	require.NoError(t, err)
	assert.Equal(t, int32(2), g.metadataCalls.Load())
}

func TestHTTPClient_MetadataErrors(t *testing.T) {
	_, server := newGateway(t)
	c := newTestHTTPClient(t, server.URL, time.Minute)

	_, err := c.Metadata(context.Background(), "spotify:track:0000000000000000000001")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Metadata(context.Background(), "spotify:album:1GbtB4zTqAsyfZEsm1RZfx")
	assert.ErrorIs(t, err, ErrNotTrack)

	_, err = c.Metadata(context.Background(), "nonsense")
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, err = c.Metadata(context.Background(), "spotify:track:1AhDOtG9vPSOmsWgNW0BEY")
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 7, ue.Code)
	assert.True(t, IsUpstreamError(err))
}

func TestHTTPClient_TrackURI(t *testing.T) {
	_, server := newGateway(t)
	c := newTestHTTPClient(t, server.URL, time.Minute)

	info, err := c.TrackURI(context.Background(), &TrackMetadata{URI: testTrackURI}, "mp3160")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.example/audio?sig=abc", info.URI)
	assert.Equal(t, "lid-1", info.LID)
}

func TestHTTPClient_Events(t *testing.T) {
	g, server := newGateway(t)
	c := newTestHTTPClient(t, server.URL, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.TrackEvent(ctx, "lid-1", EventPlaybackStarted, 0))
	assert.Equal(t, "/v1/events", <-g.paths)
	assert.Equal(t, eventRequest{LID: "lid-1", Event: EventPlaybackStarted}, <-g.events)

	require.NoError(t, c.TrackProgress(ctx, "lid-1", 15000))
	assert.Equal(t, "/v1/events/progress", <-g.paths)
	assert.Equal(t, int64(15000), (<-g.events).Position)

	require.NoError(t, c.TrackEnd(ctx, "lid-1", 30000))
	assert.Equal(t, "/v1/events/end", <-g.paths)
	assert.Equal(t, eventRequest{LID: "lid-1", Position: 30000}, <-g.events)
}
