package streaming

import "errors"

// Errors returned while resolving or opening a stream. The track handler
// answers all of them with 404.
var (
	// ErrUnavailable means the track is restricted with no playable
	// alternative, or the upstream returned no stream location.
	ErrUnavailable = errors.New("track unavailable")
	// ErrResolveTimeout means the stream location lookup took longer than
	// the info timeout.
	ErrResolveTimeout = errors.New("stream info resolution timed out")
	// ErrOpenTimeout means the upstream did not answer the audio fetch in time.
	ErrOpenTimeout = errors.New("stream open timed out")
	// ErrUpstream wraps error payloads and non-2xx audio responses.
	ErrUpstream = errors.New("upstream error")
	// ErrTrackClosed is returned by a track that has been evicted.
	ErrTrackClosed = errors.New("track closed")
)

// IsNotFound reports whether err should be answered with 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrResolveTimeout) ||
		errors.Is(err, ErrOpenTimeout) ||
		errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrTrackClosed)
}
