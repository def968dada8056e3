package netquality

import (
	"sync"
	"time"
)

// Config holds the link-quality gate parameters.
type Config struct {
	Enabled      bool
	MaxLatency   time.Duration // reject when the average exceeds this
	MinBandwidth int64         // bytes/sec; reject when the estimate drops below
}

// Gate tracks an exponentially weighted average of observed latencies and a
// rolling bandwidth estimate, and rejects admission when the link degrades.
// Observations come from completed proxy and IPC exchanges.
type Gate struct {
	cfg Config

	mu          sync.Mutex
	ewmaLatency time.Duration
	windowStart time.Time
	windowBytes int64
	bandwidth   int64 // bytes/sec from the last full window
	samples     int64
}

// alpha is the EWMA smoothing factor numerator out of alphaDen.
const (
	alpha    = 2
	alphaDen = 10
)

// New creates a Gate.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg, windowStart: time.Now()}
}

// Observe records one completed exchange.
func (g *Gate) Observe(latency time.Duration, bytes int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.samples == 0 {
		g.ewmaLatency = latency
	} else {
		g.ewmaLatency = (g.ewmaLatency*(alphaDen-alpha) + latency*alpha) / alphaDen
	}
	g.samples++

	g.windowBytes += bytes
	if elapsed := time.Since(g.windowStart); elapsed >= time.Second {
		g.bandwidth = int64(float64(g.windowBytes) / elapsed.Seconds())
		g.windowBytes = 0
		g.windowStart = time.Now()
	}
}

// Allow reports whether the link quality admits a new request. With no
// samples yet, everything is admitted.
func (g *Gate) Allow() bool {
	if !g.cfg.Enabled {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.samples == 0 {
		return true
	}
	if g.cfg.MaxLatency > 0 && g.ewmaLatency > g.cfg.MaxLatency {
		return false
	}
	if g.cfg.MinBandwidth > 0 && g.bandwidth > 0 && g.bandwidth < g.cfg.MinBandwidth {
		return false
	}
	return true
}

// Snapshot is a point-in-time view of the gate.
type Snapshot struct {
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	BandwidthBps int64   `json:"bandwidth_bps"`
	Samples      int64   `json:"samples"`
}

// Snapshot returns the current estimates.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		AvgLatencyMs: float64(g.ewmaLatency) / float64(time.Millisecond),
		BandwidthBps: g.bandwidth,
		Samples:      g.samples,
	}
}
