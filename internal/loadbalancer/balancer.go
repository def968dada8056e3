package loadbalancer

import (
	"net/url"
	"sync"
	"sync/atomic"
)

// Upstream represents one proxy target.
type Upstream struct {
	URL            string
	Weight         int
	MaxConnections int
	Healthy        bool
	inFlight       atomic.Int64
	ParsedURL      *url.URL
}

// InitParsedURL pre-parses the upstream URL for the proxy hot path.
func (u *Upstream) InitParsedURL() {
	u.ParsedURL, _ = url.Parse(u.URL)
}

// IncrActive atomically increments the in-flight count.
func (u *Upstream) IncrActive() { u.inFlight.Add(1) }

// DecrActive atomically decrements the in-flight count.
func (u *Upstream) DecrActive() { u.inFlight.Add(-1) }

// Active atomically reads the in-flight count.
func (u *Upstream) Active() int64 { return u.inFlight.Load() }

// Balancer selects among healthy upstreams.
type Balancer interface {
	// Next returns the next upstream for a client, or nil when none is
	// healthy. clientIP feeds address-affine strategies; others ignore it.
	Next(clientIP string) *Upstream
	// MarkHealthy flips an upstream healthy.
	MarkHealthy(url string)
	// MarkUnhealthy flips an upstream unhealthy.
	MarkUnhealthy(url string)
	// Upstreams returns all upstreams.
	Upstreams() []*Upstream
	// HealthyCount returns the number of healthy upstreams.
	HealthyCount() int
}

// base provides the shared health bookkeeping: a url→index map for O(1)
// health marks and a lock-free cached healthy slice for the hot path.
type base struct {
	upstreams     []*Upstream
	urlIndex      map[string]int
	cachedHealthy atomic.Value // []*Upstream
	mu            sync.RWMutex
}

func (b *base) init(upstreams []*Upstream) {
	for _, u := range upstreams {
		if u.Weight == 0 {
			u.Weight = 1
		}
		u.Healthy = true
		u.InitParsedURL()
	}
	b.upstreams = upstreams
	b.urlIndex = make(map[string]int, len(upstreams))
	for i, u := range upstreams {
		b.urlIndex[u.URL] = i
	}
	b.rebuildHealthyCache()
}

// rebuildHealthyCache updates the cached healthy slice. Caller holds the
// write lock (or is in init).
func (b *base) rebuildHealthyCache() {
	healthy := make([]*Upstream, 0, len(b.upstreams))
	for _, u := range b.upstreams {
		if u.Healthy {
			healthy = append(healthy, u)
		}
	}
	b.cachedHealthy.Store(healthy)
}

func (b *base) healthy() []*Upstream {
	if v := b.cachedHealthy.Load(); v != nil {
		return v.([]*Upstream)
	}
	return nil
}

// MarkHealthy implements Balancer.
func (b *base) MarkHealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.urlIndex[url]; ok {
		b.upstreams[idx].Healthy = true
		b.rebuildHealthyCache()
	}
}

// MarkUnhealthy implements Balancer.
func (b *base) MarkUnhealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.urlIndex[url]; ok {
		b.upstreams[idx].Healthy = false
		b.rebuildHealthyCache()
	}
}

// Upstreams implements Balancer.
func (b *base) Upstreams() []*Upstream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Upstream, len(b.upstreams))
	copy(out, b.upstreams)
	return out
}

// HealthyCount implements Balancer.
func (b *base) HealthyCount() int {
	return len(b.healthy())
}

// New constructs a balancer by strategy name. Unknown strategies fall back
// to round-robin.
func New(strategy string, upstreams []*Upstream) Balancer {
	switch strategy {
	case "weighted-round-robin":
		return NewWeightedRoundRobin(upstreams)
	case "least-connections":
		return NewLeastConnections(upstreams)
	case "ip-hash":
		return NewIPHash(upstreams)
	default:
		return NewRoundRobin(upstreams)
	}
}
