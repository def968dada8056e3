package loadbalancer

import (
	"sync/atomic"
)

// RoundRobin cycles through healthy upstreams with an atomic counter.
type RoundRobin struct {
	base
	current atomic.Uint64
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin(upstreams []*Upstream) *RoundRobin {
	rr := &RoundRobin{}
	rr.init(upstreams)
	return rr
}

// Next returns the next healthy upstream. Lock-free on the hot path via the
// cached healthy slice.
func (rr *RoundRobin) Next(string) *Upstream {
	healthy := rr.healthy()
	if len(healthy) == 0 {
		return nil
	}
	idx := rr.current.Add(1)
	return healthy[(idx-1)%uint64(len(healthy))]
}

// WeightedRoundRobin interleaves upstreams proportionally to their weights
// using the classic GCD walk.
type WeightedRoundRobin struct {
	base
	current     int
	maxWeight   int
	healthyGCD  int
	healthyMaxW int
	healthySnap []*Upstream
}

// NewWeightedRoundRobin creates a weighted round-robin balancer.
func NewWeightedRoundRobin(upstreams []*Upstream) *WeightedRoundRobin {
	wrr := &WeightedRoundRobin{current: -1}
	wrr.init(upstreams)
	return wrr
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Next returns the next upstream by weight.
func (wrr *WeightedRoundRobin) Next(string) *Upstream {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	healthy := wrr.healthy()
	if len(healthy) == 0 {
		return nil
	}

	// Recompute GCD/max only when the healthy set changes; compare the
	// slice header to detect changes cheaply.
	if len(healthy) != len(wrr.healthySnap) ||
		(len(healthy) > 0 && len(wrr.healthySnap) > 0 && &healthy[0] != &wrr.healthySnap[0]) ||
		wrr.healthySnap == nil {
		wrr.healthyGCD = healthy[0].Weight
		wrr.healthyMaxW = healthy[0].Weight
		for _, u := range healthy[1:] {
			wrr.healthyGCD = gcd(wrr.healthyGCD, u.Weight)
			if u.Weight > wrr.healthyMaxW {
				wrr.healthyMaxW = u.Weight
			}
		}
		wrr.healthySnap = healthy
		wrr.current = -1
		wrr.maxWeight = wrr.healthyMaxW
	}

	for {
		wrr.current = (wrr.current + 1) % len(healthy)
		if wrr.current == 0 {
			wrr.maxWeight -= wrr.healthyGCD
			if wrr.maxWeight <= 0 {
				wrr.maxWeight = wrr.healthyMaxW
			}
		}
		if healthy[wrr.current].Weight >= wrr.maxWeight {
			return healthy[wrr.current]
		}
	}
}
