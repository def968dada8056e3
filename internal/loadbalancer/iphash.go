package loadbalancer

import (
	"github.com/cespare/xxhash/v2"
)

// IPHash pins each client address to one healthy upstream by a stable hash
// mod the healthy count. A change in the healthy count can move clients
// whose own upstream stayed healthy.
type IPHash struct {
	base
}

// NewIPHash creates an ip-hash balancer.
func NewIPHash(upstreams []*Upstream) *IPHash {
	ih := &IPHash{}
	ih.init(upstreams)
	return ih
}

// Next returns the upstream for a client IP.
func (ih *IPHash) Next(clientIP string) *Upstream {
	healthy := ih.healthy()
	if len(healthy) == 0 {
		return nil
	}
	h := xxhash.Sum64String(clientIP)
	return healthy[h%uint64(len(healthy))]
}
