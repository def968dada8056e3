package gateway

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/ferry/internal/errors"
)

// AdmissionConfig bounds concurrent work before dispatch.
type AdmissionConfig struct {
	MaxURLLength          int
	MaxBodySize           int64
	MaxConcurrentRequests int
	MaxPerIP              int
	MaxQueueSize          int
	QueueTimeout          time.Duration
}

// Admission is the gate every request passes before dispatch: URL and body
// size limits, a global concurrency cap with a bounded FIFO queue, and a
// per-IP cap. Checks run cheapest-first with fast rejects.
type Admission struct {
	cfg AdmissionConfig

	slots   chan struct{} // global concurrency semaphore
	waiting atomic.Int64  // queued requests, bounded by MaxQueueSize

	perIPMu sync.Mutex
	perIP   map[string]int
}

// NewAdmission creates the admission gate.
func NewAdmission(cfg AdmissionConfig) *Admission {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1024
	}
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = 64
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 5 * time.Second
	}
	return &Admission{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxConcurrentRequests),
		perIP: make(map[string]int),
	}
}

// QueueDepth reports requests currently waiting for a slot.
func (a *Admission) QueueDepth() int64 {
	return a.waiting.Load()
}

// InFlight reports requests currently holding a slot.
func (a *Admission) InFlight() int {
	return len(a.slots)
}

// Check runs the size limits (stages 1–2). It costs nothing and never
// blocks.
func (a *Admission) Check(r *http.Request) *errors.Error {
	if a.cfg.MaxURLLength > 0 && len(r.URL.RequestURI()) > a.cfg.MaxURLLength {
		return errors.ErrURITooLong
	}
	if a.cfg.MaxBodySize > 0 && r.ContentLength > a.cfg.MaxBodySize {
		return errors.ErrPayloadTooLarge
	}
	return nil
}

// Acquire takes a global slot (stage 3, queueing when saturated) and a
// per-IP slot (stage 4). On success the returned release must be called
// exactly once.
func (a *Admission) Acquire(clientIP string) (release func(), aerr *errors.Error) {
	// Stage 3: global concurrency, with a bounded wait.
	select {
	case a.slots <- struct{}{}:
	default:
		// Saturated: join the queue if it has room.
		if a.waiting.Load() >= int64(a.cfg.MaxQueueSize) {
			return nil, errors.ErrQueueFull
		}
		a.waiting.Add(1)
		timer := time.NewTimer(a.cfg.QueueTimeout)
		select {
		case a.slots <- struct{}{}:
			timer.Stop()
			a.waiting.Add(-1)
		case <-timer.C:
			a.waiting.Add(-1)
			return nil, errors.ErrQueueFull
		}
	}

	// Stage 4: per-IP concurrency.
	a.perIPMu.Lock()
	if a.perIP[clientIP] >= a.cfg.MaxPerIP {
		a.perIPMu.Unlock()
		<-a.slots
		return nil, errors.ErrPerIPExceeded
	}
	a.perIP[clientIP]++
	a.perIPMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.perIPMu.Lock()
			if a.perIP[clientIP] <= 1 {
				delete(a.perIP, clientIP)
			} else {
				a.perIP[clientIP]--
			}
			a.perIPMu.Unlock()
			<-a.slots
		})
	}, nil
}
