// Package catalogtest provides an in-memory catalog.Client for tests.
package catalogtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmylchreest/trackproxy/internal/catalog"
)

// EventCall records one playback event sent to the fake.
type EventCall struct {
	LID      string
	Event    catalog.Event
	Position int64
}

// Fake is a catalog.Client backed by maps. Calls are counted so tests can
// assert how often the upstream was consulted.
type Fake struct {
	mu sync.Mutex

	tracks  map[string]*catalog.TrackMetadata
	streams map[string]catalog.StreamInfo

	// MetadataDelay and TrackURIDelay simulate a slow upstream.
	MetadataDelay time.Duration
	TrackURIDelay time.Duration

	metadataErr error
	trackURIErr error

	metadataCalls int
	trackURICalls int
	events        []EventCall
	ends          []EventCall
	progress      []EventCall
}

var _ catalog.Client = (*Fake)(nil)

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		tracks:  make(map[string]*catalog.TrackMetadata),
		streams: make(map[string]catalog.StreamInfo),
	}
}

// AddTrack registers metadata and, when info.URI is set, its stream location.
func (f *Fake) AddTrack(md catalog.TrackMetadata, info catalog.StreamInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[md.URI] = &md
	if info.URI != "" {
		f.streams[md.URI] = info
	}
}

// SetStream registers a stream location without metadata, e.g. for an alternative.
func (f *Fake) SetStream(uri string, info catalog.StreamInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[uri] = info
}

// FailMetadata makes every Metadata call return err. Nil restores lookups.
func (f *Fake) FailMetadata(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataErr = err
}

// FailTrackURI makes every TrackURI call return err. Nil restores lookups.
func (f *Fake) FailTrackURI(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackURIErr = err
}

// Metadata implements catalog.Client. URIs are checked the way the gateway
// client checks them.
func (f *Fake) Metadata(ctx context.Context, uri string) (*catalog.TrackMetadata, error) {
	f.mu.Lock()
	f.metadataCalls++
	md, ok := f.tracks[uri]
	delay, failure := f.MetadataDelay, f.metadataErr
	f.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	u, err := catalog.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if u.Kind != catalog.KindTrack {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotTrack, uri)
	}
	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, catalog.ErrNotFound
	}
	out := *md
	return &out, nil
}

// TrackURI implements catalog.Client.
func (f *Fake) TrackURI(ctx context.Context, md *catalog.TrackMetadata, _ string) (catalog.StreamInfo, error) {
	f.mu.Lock()
	f.trackURICalls++
	info, ok := f.streams[md.URI]
	delay, failure := f.TrackURIDelay, f.trackURIErr
	f.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return catalog.StreamInfo{}, err
	}
	if failure != nil {
		return catalog.StreamInfo{}, failure
	}
	if !ok {
		return catalog.StreamInfo{}, catalog.ErrNotFound
	}
	return info, nil
}

// TrackEvent implements catalog.Client.
func (f *Fake) TrackEvent(_ context.Context, lid string, event catalog.Event, posMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, EventCall{LID: lid, Event: event, Position: posMs})
	return nil
}

// TrackEnd implements catalog.Client.
func (f *Fake) TrackEnd(_ context.Context, lid string, posMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, EventCall{LID: lid, Position: posMs})
	return nil
}

// TrackProgress implements catalog.Client.
func (f *Fake) TrackProgress(_ context.Context, lid string, posMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, EventCall{LID: lid, Position: posMs})
	return nil
}

// MetadataCalls returns how many times Metadata was called.
func (f *Fake) MetadataCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataCalls
}

// TrackURICalls returns how many times TrackURI was called.
func (f *Fake) TrackURICalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackURICalls
}

// Events returns a copy of the recorded playback events.
func (f *Fake) Events() []EventCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EventCall(nil), f.events...)
}

// Ends returns a copy of the recorded end events.
func (f *Fake) Ends() []EventCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EventCall(nil), f.ends...)
}

// Progress returns a copy of the recorded progress reports.
func (f *Fake) Progress() []EventCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EventCall(nil), f.progress...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
