package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/trackproxy/internal/config"
	"github.com/jmylchreest/trackproxy/internal/http/handlers"
	"github.com/jmylchreest/trackproxy/internal/http/middleware"
	"github.com/jmylchreest/trackproxy/internal/streaming"
)

type recordingTracks struct {
	uris []string
}

func (r *recordingTracks) ServeTrack(w http.ResponseWriter, req *http.Request, uri string) {
	r.uris = append(r.uris, uri)
	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = io.WriteString(w, strings.Repeat("a", 4096))
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *recordingTracks) {
	t.Helper()
	tracks := &recordingTracks{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, logger, "1.2.3", WithMiddleware(streaming.NewDispatcher(tracks).Middleware))
	handlers.NewHealthHandler("1.2.3").Register(srv.API())
	return srv, tracks
}

func TestServer_Routes(t *testing.T) {
	srv, tracks := newTestServer(t, DefaultServerConfig())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/track/spotify:track:abc.mp3", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"), "audio is never compressed")
	assert.Len(t, body, 4096)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
	assert.Equal(t, []string{"spotify:track:abc"}, tracks.uris)

	resp, err = http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/track/spotify:track:abc.mp3", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, tracks.uris, 1)

	resp, err = http.Get(ts.URL + "/openapi.json")
	require.NoError(t, err)
	doc, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, string(doc), "trackproxy API")
}

func TestServer_StartShutdown(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.MaxConnections = 4
	srv, _ := newTestServer(t, cfg)

	ln, err := srv.Listen()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr().String() + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerConfigFrom(t *testing.T) {
	sc := ServerConfigFrom(config.ServerConfig{
		Host:           "127.0.0.1",
		Port:           9000,
		ReadTimeout:    time.Second,
		MaxConnections: 10,
	})
	assert.Equal(t, "127.0.0.1", sc.Host)
	assert.Equal(t, 9000, sc.Port)
	assert.Equal(t, 10, sc.MaxConnections)
	assert.Equal(t, []string{"*"}, sc.CORSOrigins)
	assert.Equal(t, 120*time.Second, sc.IdleTimeout)
}
