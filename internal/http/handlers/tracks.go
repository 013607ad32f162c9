package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/trackproxy/internal/streaming"
)

// TrackHandler exposes the track cache for inspection and eviction.
type TrackHandler struct {
	tracks  TrackCache
	baseURL string
}

// NewTrackHandler creates a track handler. baseURL is the public proxy
// address used to build playback URLs; empty leaves them relative.
func NewTrackHandler(tracks TrackCache, baseURL string) *TrackHandler {
	return &TrackHandler{tracks: tracks, baseURL: baseURL}
}

// Register registers the track routes with the API.
func (h *TrackHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listTracks",
		Method:      "GET",
		Path:        "/api/v1/tracks",
		Summary:     "List cached tracks",
		Description: "Returns cached tracks, most recently used first, with their upstream streams",
		Tags:        []string{"Tracks"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getTrack",
		Method:      "GET",
		Path:        "/api/v1/tracks/{uri}",
		Summary:     "Get a cached track",
		Tags:        []string{"Tracks"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID:   "evictTrack",
		Method:        "DELETE",
		Path:          "/api/v1/tracks/{uri}",
		Summary:       "Evict a cached track",
		Description:   "Closes the track's upstream streams and reports its end of playback",
		Tags:          []string{"Tracks"},
		DefaultStatus: 204,
	}, h.Evict)
}

// TrackData is a cached track with its playback URL.
type TrackData struct {
	streaming.TrackSnapshot
	URL string `json:"url"`
}

// ListTracksInput is the input for listing tracks.
type ListTracksInput struct{}

// ListTracksOutput is the output for listing tracks.
type ListTracksOutput struct {
	Body struct {
		Tracks              []TrackData                 `json:"tracks"`
		UpstreamConnections []streaming.HostConnections `json:"upstream_connections"`
	}
}

// TrackURIInput identifies a track by its catalog URI.
type TrackURIInput struct {
	URI string `path:"uri" doc:"Catalog track URI" example:"spotify:track:6rqhFgbbKwnb9MLmUQDhG6"`
}

// GetTrackOutput is the output for a single track.
type GetTrackOutput struct {
	Body TrackData
}

// EvictTrackOutput is empty; eviction answers 204.
type EvictTrackOutput struct{}

// List returns every cached track.
func (h *TrackHandler) List(_ context.Context, _ *ListTracksInput) (*ListTracksOutput, error) {
	snaps := h.tracks.Snapshot()

	out := &ListTracksOutput{}
	out.Body.Tracks = make([]TrackData, 0, len(snaps))
	for _, snap := range snaps {
		out.Body.Tracks = append(out.Body.Tracks, h.data(snap))
	}
	out.Body.UpstreamConnections = h.tracks.UpstreamConnections()
	return out, nil
}

// Get returns one cached track.
func (h *TrackHandler) Get(_ context.Context, input *TrackURIInput) (*GetTrackOutput, error) {
	snap, ok := h.tracks.TrackSnapshot(input.URI)
	if !ok {
		return nil, huma.Error404NotFound("track not cached: " + input.URI)
	}
	return &GetTrackOutput{Body: h.data(snap)}, nil
}

// Evict drops a track from the cache.
func (h *TrackHandler) Evict(_ context.Context, input *TrackURIInput) (*EvictTrackOutput, error) {
	if !h.tracks.Evict(input.URI) {
		return nil, huma.Error404NotFound("track not cached: " + input.URI)
	}
	return &EvictTrackOutput{}, nil
}

func (h *TrackHandler) data(snap streaming.TrackSnapshot) TrackData {
	return TrackData{TrackSnapshot: snap, URL: streaming.TrackURL(h.baseURL, snap.URI)}
}
