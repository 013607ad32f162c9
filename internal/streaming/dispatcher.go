package streaming

import (
	"net/http"
	"net/url"
	"regexp"
)

var trackPath = regexp.MustCompile(`(?i)^/track/(.*?)\.mp3$`)

// TrackHandler serves the audio for a track URI.
type TrackHandler interface {
	ServeTrack(w http.ResponseWriter, r *http.Request, uri string)
}

// Dispatcher routes /track/<uri>.mp3 requests to a TrackHandler ahead of
// the regular router.
type Dispatcher struct {
	handler TrackHandler
}

// NewDispatcher creates a dispatcher for h.
func NewDispatcher(h TrackHandler) *Dispatcher {
	return &Dispatcher{handler: h}
}

// Match returns the track URI in path, or false when path is not a track
// request.
func (d *Dispatcher) Match(path string) (string, bool) {
	m := trackPath.FindStringSubmatch(path)
	if m == nil || m[1] == "" {
		return "", false
	}
	uri, err := url.PathUnescape(m[1])
	if err != nil || uri == "" {
		return "", false
	}
	return uri, true
}

// Middleware hands GET and HEAD track requests to the track handler and
// passes everything else to next.
func (d *Dispatcher) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if uri, ok := d.Match(r.URL.EscapedPath()); ok {
				d.handler.ServeTrack(w, r, uri)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
