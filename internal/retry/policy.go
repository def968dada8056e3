package retry

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// DefaultRetryableStatuses are responses that indicate a transient upstream
// failure.
var DefaultRetryableStatuses = []int{502, 504}

// DefaultRetryableMethods are the idempotent methods safe to retry.
var DefaultRetryableMethods = []string{"GET", "HEAD", "PUT", "DELETE", "OPTIONS"}

// BreakerGate lets the policy consult the circuit breaker between attempts.
// Allow false aborts the remaining attempts (trip-blocks-retry).
type BreakerGate interface {
	Allow() bool
}

// Policy implements exponential-backoff retries for idempotent requests.
// Retries always respect the request's original deadline through ctx.
type Policy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	RetryableStatuses map[int]bool
	RetryableMethods  map[string]bool

	// RespectBreaker makes an open breaker abort remaining attempts.
	RespectBreaker bool

	// Metrics
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// Config holds retry parameters.
type Config struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	RetryableStatuses []int
	RetryableMethods  []string
	RespectBreaker    bool
}

// NewPolicy creates a retry policy from config.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
		RespectBreaker:    cfg.RespectBreaker,
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = 2.0
	}

	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	p.RetryableStatuses = make(map[int]bool, len(statuses))
	for _, s := range statuses {
		p.RetryableStatuses[s] = true
	}

	methods := cfg.RetryableMethods
	if len(methods) == 0 {
		methods = DefaultRetryableMethods
	}
	p.RetryableMethods = make(map[string]bool, len(methods))
	for _, m := range methods {
		p.RetryableMethods[m] = true
	}
	return p
}

// Attempt is one try: nil error with a non-retryable status ends the loop.
type Attempt func(ctx context.Context) (status int, err error)

// Execute runs attempt up to 1+MaxRetries times. A connect error or a
// retryable status triggers a retry after backoff; the ctx deadline and the
// breaker gate (when RespectBreaker) bound the loop.
func (p *Policy) Execute(ctx context.Context, method string, gate BreakerGate, attempt Attempt) (int, error) {
	p.Requests.Add(1)

	var lastStatus int
	var lastErr error

	for try := 0; try <= p.MaxRetries; try++ {
		if try > 0 {
			if !p.RetryableMethods[method] {
				break
			}
			if p.RespectBreaker && gate != nil && !gate.Allow() {
				break
			}
			p.Retries.Add(1)
			select {
			case <-ctx.Done():
				p.Failures.Add(1)
				return lastStatus, ctx.Err()
			case <-time.After(p.backoff(try)):
			}
		}

		status, err := attempt(ctx)
		lastStatus, lastErr = status, err
		if err == nil && !p.RetryableStatuses[status] {
			p.Successes.Add(1)
			return status, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	p.Failures.Add(1)
	return lastStatus, lastErr
}

// IsRetryable reports whether a method+status combination would be retried.
func (p *Policy) IsRetryable(method string, status int) bool {
	return p.RetryableMethods[method] && p.RetryableStatuses[status]
}

func (p *Policy) backoff(attempt int) time.Duration {
	b := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if b > float64(p.MaxBackoff) {
		b = float64(p.MaxBackoff)
	}
	return time.Duration(b)
}

// Snapshot is a point-in-time copy of retry metrics.
type Snapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Snapshot returns the current metrics.
func (p *Policy) Snapshot() Snapshot {
	return Snapshot{
		Requests:  p.Requests.Load(),
		Retries:   p.Retries.Load(),
		Successes: p.Successes.Load(),
		Failures:  p.Failures.Load(),
	}
}
