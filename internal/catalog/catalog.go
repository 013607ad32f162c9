// Package catalog is the proxy's view of the upstream music catalog: track
// metadata, availability rules, stream location lookups and playback events.
package catalog

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("catalog object not found")
	ErrNotTrack = errors.New("catalog uri is not a track")
)

// Event is a playback event code reported to the upstream.
type Event int

// EventPlaybackStarted is sent once, on the first byte served for a track.
const EventPlaybackStarted Event = 3

// StreamInfo locates the audio for a track. LID identifies the playback
// session in later events.
type StreamInfo struct {
	URI string `json:"uri"`
	LID string `json:"lid"`
}

// Client is the upstream catalog and session contract.
type Client interface {
	// Metadata resolves a track URI.
	Metadata(ctx context.Context, uri string) (*TrackMetadata, error)
	// TrackURI resolves where the audio for md can be fetched in format.
	TrackURI(ctx context.Context, md *TrackMetadata, format string) (StreamInfo, error)
	// TrackEvent reports a playback event at posMs.
	TrackEvent(ctx context.Context, lid string, event Event, posMs int64) error
	// TrackEnd reports that playback stopped at posMs.
	TrackEnd(ctx context.Context, lid string, posMs int64) error
	// TrackProgress reports the current playback position.
	TrackProgress(ctx context.Context, lid string, posMs int64) error
}

// UpstreamError is an error payload returned by the upstream instead of the
// requested content, typically as text/xml.
type UpstreamError struct {
	Status  int    `xml:"-"`
	Code    int    `xml:"code,attr"`
	Message string `xml:"message"`
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
	default:
		return "upstream error: " + e.Message
	}
}
