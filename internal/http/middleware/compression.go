package middleware

import (
	"net/http"
	"strings"
)

// SkipCompression wraps a compression middleware so that streamed responses
// bypass it. Audio is already compressed, and the compressor buffers writes,
// which defeats the per-chunk flushing the track route relies on.
func SkipCompression(compress func(http.Handler) http.Handler, prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compress(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if streamed(r, prefixes) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

func streamed(r *http.Request, prefixes []string) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	if r.Header.Get("Range") != "" {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}
