package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // open → half-open delay
}

// Breaker trips open after FailureThreshold consecutive failures. While
// open, Allow fails fast; after ResetTimeout one probe is admitted and its
// outcome decides between closed and open again.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	probing          bool // a half-open probe is outstanding
	failureThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time

	totalRejected atomic.Int64
}

// NewBreaker creates a breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
	}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		b.totalRejected.Add(1)
		return false

	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		b.totalRejected.Add(1)
		return false
	}
	return false
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.probing = false
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.probing = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Surface the pending transition so observers don't see a stale open.
	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	OpenedAt         time.Time `json:"opened_at,omitzero"`
	TotalRejected    int64     `json:"total_rejected"`
}

// Snapshot returns a point-in-time view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		OpenedAt:         b.openedAt,
		TotalRejected:    b.totalRejected.Load(),
	}
}

// ByKey manages one breaker per key (upstream or route), created lazily and
// garbage-collected after an idle interval.
type ByKey struct {
	cfg      Config
	breakers *expirable.LRU[string, *Breaker]
	mu       sync.Mutex
}

// NewByKey creates a per-key breaker manager. Idle breakers fall out of the
// cache after idleTTL.
func NewByKey(cfg Config, idleTTL time.Duration) *ByKey {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &ByKey{
		cfg:      cfg,
		breakers: expirable.NewLRU[string, *Breaker](4096, nil, idleTTL),
	}
}

// Get returns the breaker for a key, creating it on first use.
func (m *ByKey) Get(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers.Get(key); ok {
		return b
	}
	b := NewBreaker(m.cfg)
	m.breakers.Add(key, b)
	return b
}

// Snapshots returns snapshots of all live breakers.
func (m *ByKey) Snapshots() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Snapshot)
	for _, key := range m.breakers.Keys() {
		if b, ok := m.breakers.Peek(key); ok {
			out[key] = b.Snapshot()
		}
	}
	return out
}
