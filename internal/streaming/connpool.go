package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when no upstream connection slot frees up in time.
var ErrPoolExhausted = errors.New("upstream connection pool exhausted")

// connPool bounds concurrent upstream audio fetches per host. A pump holds
// its slot until the download finishes or the stream is closed.
type connPool struct {
	maxPerHost     int
	acquireTimeout time.Duration
	logger         *slog.Logger

	mu    sync.Mutex
	hosts map[string]chan struct{}
}

func newConnPool(maxPerHost int, acquireTimeout time.Duration, logger *slog.Logger) *connPool {
	return &connPool{
		maxPerHost:     maxPerHost,
		acquireTimeout: acquireTimeout,
		logger:         logger,
		hosts:          make(map[string]chan struct{}),
	}
}

// Acquire takes a slot for the host of rawURL. The returned release func is
// safe to call more than once.
func (p *connPool) Acquire(ctx context.Context, rawURL string) (func(), error) {
	if p.maxPerHost <= 0 {
		return func() {}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	sem := p.semaphore(u.Host)

	select {
	case sem <- struct{}{}:
		return p.releaser(sem), nil
	default:
	}

	p.logger.Debug("upstream host at connection limit, waiting",
		slog.String("host", u.Host),
		slog.Int("max_per_host", p.maxPerHost),
	)

	waitCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	select {
	case sem <- struct{}{}:
		return p.releaser(sem), nil
	case <-waitCtx.Done():
		if ctx.Err() == nil {
			return nil, ErrPoolExhausted
		}
		return nil, ctx.Err()
	}
}

func (p *connPool) semaphore(host string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.hosts[host]
	if !ok {
		sem = make(chan struct{}, p.maxPerHost)
		p.hosts[host] = sem
	}
	return sem
}

func (p *connPool) releaser(sem chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-sem })
	}
}

// HostConnections is the number of slots in use for one upstream host.
type HostConnections struct {
	Host   string `json:"host"`
	Active int    `json:"active"`
}

// Stats lists hosts with at least one slot in use, sorted by host.
func (p *connPool) Stats() []HostConnections {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]HostConnections, 0, len(p.hosts))
	for host, sem := range p.hosts {
		if n := len(sem); n > 0 {
			stats = append(stats, HostConnections{Host: host, Active: n})
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Host < stats[j].Host })
	return stats
}
