package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// shardCount spreads key contention; must be a power of two.
const shardCount = 32

type window struct {
	start time.Time
	count int
}

type shard struct {
	mu    sync.Mutex
	items map[string]*window
}

// FixedWindow counts requests per key in fixed epochs. Counter updates are
// linearizable per key (single shard lock); the epoch edge allows the ±1
// the counting semantics permit.
type FixedWindow struct {
	max      int
	windowMs time.Duration
	shards   [shardCount]*shard
}

// NewFixedWindow creates a limiter allowing max requests per windowMs per key.
func NewFixedWindow(max int, windowMs time.Duration) *FixedWindow {
	if max <= 0 {
		max = 100
	}
	if windowMs <= 0 {
		windowMs = time.Minute
	}
	fw := &FixedWindow{max: max, windowMs: windowMs}
	for i := range fw.shards {
		fw.shards[i] = &shard{items: make(map[string]*window)}
	}
	go fw.cleanup()
	return fw
}

func (fw *FixedWindow) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return fw.shards[h&(shardCount-1)]
}

// Allow consumes one slot for key. remaining and reset describe the current
// window for the RateLimit-* response headers.
func (fw *FixedWindow) Allow(key string) (allowed bool, remaining int, reset time.Time) {
	now := time.Now()
	s := fw.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.items[key]
	if !ok || now.Sub(w.start) >= fw.windowMs {
		w = &window{start: now}
		s.items[key] = w
	}
	reset = w.start.Add(fw.windowMs)

	if w.count >= fw.max {
		return false, 0, reset
	}
	w.count++
	return true, fw.max - w.count, reset
}

// Limit returns the configured per-window maximum.
func (fw *FixedWindow) Limit() int {
	return fw.max
}

// cleanup drops windows idle for two epochs.
func (fw *FixedWindow) cleanup() {
	ticker := time.NewTicker(fw.windowMs * 4)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := 2 * fw.windowMs
		now := time.Now()
		for _, s := range fw.shards {
			s.mu.Lock()
			for key, w := range s.items {
				if now.Sub(w.start) > cutoff {
					delete(s.items, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// TokenBucket is the alternative limiter strategy: a per-key x/time/rate
// bucket. Burst equals the limit; refill spreads it over the window.
type TokenBucket struct {
	max      int
	windowMs time.Duration
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
}

// NewTokenBucket creates a token-bucket limiter with the same (max, window)
// surface as the fixed window.
func NewTokenBucket(max int, windowMs time.Duration) *TokenBucket {
	if max <= 0 {
		max = 100
	}
	if windowMs <= 0 {
		windowMs = time.Minute
	}
	return &TokenBucket{
		max:      max,
		windowMs: windowMs,
		buckets:  make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token for key.
func (tb *TokenBucket) Allow(key string) (allowed bool, remaining int, reset time.Time) {
	tb.mu.Lock()
	l, ok := tb.buckets[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(tb.max)/tb.windowMs.Seconds()), tb.max)
		tb.buckets[key] = l
	}
	tb.mu.Unlock()

	allowed = l.Allow()
	remaining = int(l.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, time.Now().Add(tb.windowMs)
}

// Limit returns the configured per-window maximum.
func (tb *TokenBucket) Limit() int {
	return tb.max
}

// Limiter is what the gateway consumes; both strategies satisfy it.
type Limiter interface {
	Allow(key string) (allowed bool, remaining int, reset time.Time)
	Limit() int
}

// New builds a limiter by strategy name ("fixed-window" default,
// "token-bucket" alternative).
func New(strategy string, max int, windowMs time.Duration) Limiter {
	if strategy == "token-bucket" {
		return NewTokenBucket(max, windowMs)
	}
	return NewFixedWindow(max, windowMs)
}
