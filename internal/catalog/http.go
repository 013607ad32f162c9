package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 4 << 10

// HTTPConfig configures the gateway client.
type HTTPConfig struct {
	BaseURL   string
	CacheSize int
	CacheTTL  time.Duration
}

type cachedMetadata struct {
	md      *TrackMetadata
	expires time.Time
}

// HTTPClient implements Client against the catalog gateway's HTTP API:
//
//	GET  {base}/v1/metadata/{uri}
//	GET  {base}/v1/tracks/{gid}/stream?format={format}
//	POST {base}/v1/events
//	POST {base}/v1/events/end
//	POST {base}/v1/events/progress
//
// Metadata lookups are deduplicated in flight and cached.
type HTTPClient struct {
	base   *url.URL
	http   *httpclient.Client
	logger *slog.Logger

	cache *lru.Cache
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client.
func NewHTTPClient(cfg HTTPConfig, client *httpclient.Client, logger *slog.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating metadata cache: %w", err)
	}

	return &HTTPClient{
		base:   base,
		http:   client,
		logger: logger,
		cache:  cache,
		ttl:    cfg.CacheTTL,
		now:    time.Now,
	}, nil
}

// Metadata implements Client.
func (c *HTTPClient) Metadata(ctx context.Context, uri string) (*TrackMetadata, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if u.Kind != KindTrack {
		return nil, fmt.Errorf("%w: %s", ErrNotTrack, uri)
	}
	key := u.String()

	if md, ok := c.cached(key); ok {
		return md, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		if md, ok := c.cached(key); ok {
			return md, nil
		}
		md, err := c.fetchMetadata(ctx, key)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, cachedMetadata{md: md, expires: c.now().Add(c.ttl)})
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("shared metadata lookup", slog.String("uri", key))
	}
	return v.(*TrackMetadata), nil
}

func (c *HTTPClient) cached(key string) (*TrackMetadata, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(cachedMetadata)
	if c.ttl > 0 && c.now().After(entry.expires) {
		c.cache.Remove(key)
		return nil, false
	}
	return entry.md, true
}

func (c *HTTPClient) fetchMetadata(ctx context.Context, uri string) (*TrackMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("v1", "metadata", uri), nil)
	if err != nil {
		return nil, fmt.Errorf("creating metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/x-protobuf;q=0.9")

	body, contentType, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata for %s: %w", uri, err)
	}

	md, err := ParseMetadata(contentType, body)
	if err != nil {
		return nil, fmt.Errorf("parsing metadata for %s: %w", uri, err)
	}
	if md.URI == "" {
		md.URI = uri
	}
	return md, nil
}

// TrackURI implements Client.
func (c *HTTPClient) TrackURI(ctx context.Context, md *TrackMetadata, format string) (StreamInfo, error) {
	gid, err := md.TrackGID()
	if err != nil {
		return StreamInfo{}, err
	}

	endpoint := c.endpoint("v1", "tracks", gid, "stream")
	if format != "" {
		endpoint += "?" + url.Values{"format": {format}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("creating track uri request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, _, err := c.do(req)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("resolving stream for %s: %w", md.URI, err)
	}

	var info StreamInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return StreamInfo{}, fmt.Errorf("decoding stream info: %w", err)
	}
	return info, nil
}

type eventRequest struct {
	LID      string `json:"lid"`
	Event    Event  `json:"event,omitempty"`
	Position int64  `json:"position"`
}

// TrackEvent implements Client.
func (c *HTTPClient) TrackEvent(ctx context.Context, lid string, event Event, posMs int64) error {
	return c.postEvent(ctx, c.endpoint("v1", "events"), eventRequest{LID: lid, Event: event, Position: posMs})
}

// TrackEnd implements Client.
func (c *HTTPClient) TrackEnd(ctx context.Context, lid string, posMs int64) error {
	return c.postEvent(ctx, c.endpoint("v1", "events", "end"), eventRequest{LID: lid, Position: posMs})
}

// TrackProgress implements Client.
func (c *HTTPClient) TrackProgress(ctx context.Context, lid string, posMs int64) error {
	return c.postEvent(ctx, c.endpoint("v1", "events", "progress"), eventRequest{LID: lid, Position: posMs})
}

func (c *HTTPClient) postEvent(ctx context.Context, endpoint string, ev eventRequest) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, _, err := c.do(req); err != nil {
		return fmt.Errorf("sending event to %s: %w", endpoint, err)
	}
	return nil
}

// do executes req and returns the body of a 2xx, non-error response.
func (c *HTTPClient) do(req *http.Request) ([]byte, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode == http.StatusNotFound {
		return nil, contentType, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || IsErrorContentType(contentType) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, contentType, ParseUpstreamError(resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contentType, fmt.Errorf("reading response: %w", err)
	}
	return body, contentType, nil
}

func (c *HTTPClient) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// IsUpstreamError reports whether err carries an upstream error payload.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
