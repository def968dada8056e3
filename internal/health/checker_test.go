package health

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestChecksTransitionAfterThresholds(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %s", r.URL.Path)
		}
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var transitions []Status
	c := NewChecker(Config{
		Interval:           20 * time.Millisecond,
		Timeout:            time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		OnChange: func(url string, s Status) {
			mu.Lock()
			transitions = append(transitions, s)
			mu.Unlock()
		},
	})
	defer c.Stop()

	c.AddUpstream(srv.URL)

	waitFor := func(want Status) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if c.Status(srv.URL) == want {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("never reached %s (now %s)", want, c.Status(srv.URL))
	}

	waitFor(StatusHealthy)

	failing.Store(true)
	waitFor(StatusUnhealthy)

	failing.Store(false)
	waitFor(StatusHealthy)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 3 {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestUnreachableUpstreamGoesUnhealthy(t *testing.T) {
	c := NewChecker(Config{
		Interval:           20 * time.Millisecond,
		Timeout:            100 * time.Millisecond,
		UnhealthyThreshold: 2,
	})
	defer c.Stop()

	c.AddUpstream("http://127.0.0.1:1") // nothing listens there

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status("http://127.0.0.1:1") == StatusUnhealthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("unreachable upstream never marked unhealthy")
}
