package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/ferry/config"
	"github.com/wudi/ferry/internal/bridge"
	"github.com/wudi/ferry/internal/cluster"
	"github.com/wudi/ferry/internal/protocol"
)

// fakeWorker simulates the worker side of the bridge.
type fakeWorker struct {
	handle func(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error)
	calls  atomic.Int64
}

func (f *fakeWorker) Do(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error) {
	f.calls.Add(1)
	return f.handle(ctx, rec, body)
}
func (f *fakeWorker) WaitReady(ctx context.Context) error { return nil }
func (f *fakeWorker) InFlight() int64                     { return 0 }
func (f *fakeWorker) Drain()                              {}
func (f *fakeWorker) Close()                              {}

type fakeDispatcher struct {
	worker *fakeWorker
	err    error
}

func (d *fakeDispatcher) Pick(clientIP, stickyKey string) (cluster.Channel, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.worker, nil
}

func okWorker() *fakeWorker {
	return &fakeWorker{handle: func(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error) {
		return &bridge.Response{
			Status:  200,
			Headers: map[string][]string{"Content-Type": {"text/plain"}},
			Body:    []byte("hello"),
		}, nil
	}}
}

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func serveOne(g *Gateway, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, r)
	return rec
}

func TestBasicDispatch(t *testing.T) {
	g := New(testConfig(nil), &fakeDispatcher{worker: okWorker()}, nil, nil)

	rec := serveOne(g, httptest.NewRequest("GET", "/hi", nil))
	if rec.Code != 200 || rec.Body.String() != "hello" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
	if rec.Header().Get("X-Response-Time-Ms") == "" {
		t.Error("missing X-Response-Time-Ms")
	}
	if rec.Header().Get("X-Powered-By") == "" {
		t.Error("missing X-Powered-By (not suppressed)")
	}
}

func TestPoweredBySuppressed(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.Server.SuppressPoweredBy = true })
	g := New(cfg, &fakeDispatcher{worker: okWorker()}, nil, nil)

	rec := serveOne(g, httptest.NewRequest("GET", "/hi", nil))
	if rec.Header().Get("X-Powered-By") != "" {
		t.Error("X-Powered-By present despite suppression")
	}
}

func TestRouteTimeout504(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.RequestManagement.Timeout.Routes = map[string]time.Duration{"/sleep": 100 * time.Millisecond}
	})
	slow := &fakeWorker{handle: func(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error) {
		select {
		case <-ctx.Done():
			return nil, bridge.ErrDeadline
		case <-time.After(500 * time.Millisecond):
			return &bridge.Response{Status: 200}, nil
		}
	}}
	g := New(cfg, &fakeDispatcher{worker: slow}, nil, nil)

	start := time.Now()
	rec := serveOne(g, httptest.NewRequest("GET", "/sleep", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("504 missing X-Request-Id")
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Errorf("timeout enforcement took %v", time.Since(start))
	}
}

func TestRateLimitTrip(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Network.RateLimit.Enabled = true
		c.Network.RateLimit.Global = config.RateLimitWindow{Requests: 3, Window: time.Second}
	})
	g := New(cfg, &fakeDispatcher{worker: okWorker()}, nil, nil)

	var events []RateLimitEvent
	g.OnRateLimit = func(e RateLimitEvent) { events = append(events, e) }

	var statuses []int
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.1:5555"
		rec := serveOne(g, r)
		statuses = append(statuses, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			if got := rec.Header().Get("RateLimit-Remaining"); got != "0" {
				t.Errorf("429 RateLimit-Remaining = %q", got)
			}
			if rec.Header().Get("Retry-After") == "" {
				t.Error("429 missing Retry-After")
			}
		}
	}

	want := []int{200, 200, 200, 429, 429}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
	if len(events) != 2 {
		t.Errorf("onRateLimit fired %d times, want 2", len(events))
	}
}

func TestRateLimitPerIP(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Network.RateLimit.Enabled = true
		c.Network.RateLimit.Global = config.RateLimitWindow{Requests: 1, Window: time.Second}
	})
	g := New(cfg, &fakeDispatcher{worker: okWorker()}, nil, nil)

	r1 := httptest.NewRequest("GET", "/", nil)
	r1.RemoteAddr = "10.0.0.1:1111"
	if rec := serveOne(g, r1); rec.Code != 200 {
		t.Fatalf("first from ip1: %d", rec.Code)
	}
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.RemoteAddr = "10.0.0.1:2222"
	if rec := serveOne(g, r2); rec.Code != 429 {
		t.Fatalf("second from ip1: %d, want 429", rec.Code)
	}
	r3 := httptest.NewRequest("GET", "/", nil)
	r3.RemoteAddr = "10.0.0.2:3333"
	if rec := serveOne(g, r3); rec.Code != 200 {
		t.Fatalf("other ip: %d", rec.Code)
	}
}

func TestWorkerDead502(t *testing.T) {
	dead := &fakeWorker{handle: func(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error) {
		return nil, bridge.ErrPeerDead
	}}
	g := New(testConfig(nil), &fakeDispatcher{worker: dead}, nil, nil)

	rec := serveOne(g, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "ipc-peer-dead" {
		t.Errorf("error kind = %v", body["error"])
	}
}

func TestBreakerTripsOnWorkerErrors(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.RequestManagement.Resilience.CircuitBreaker = config.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			ResetTimeout:     2 * time.Second,
		}
	})
	dead := &fakeWorker{handle: func(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error) {
		return nil, bridge.ErrPeerDead
	}}
	g := New(cfg, &fakeDispatcher{worker: dead}, nil, nil)

	for i := 0; i < 3; i++ {
		serveOne(g, httptest.NewRequest("GET", "/api", nil))
	}
	tripped := dead.calls.Load()

	for i := 0; i < 2; i++ {
		start := time.Now()
		rec := serveOne(g, httptest.NewRequest("GET", "/api", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("breaker-open status = %d", rec.Code)
		}
		if time.Since(start) > 50*time.Millisecond {
			t.Errorf("fail-fast took %v", time.Since(start))
		}
	}
	if dead.calls.Load() != tripped {
		t.Error("open breaker still dispatched to the worker")
	}
}

func TestDrainRejects503(t *testing.T) {
	g := New(testConfig(nil), &fakeDispatcher{worker: okWorker()}, nil, nil)
	g.StartDrain()

	rec := serveOne(g, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status during drain = %d", rec.Code)
	}
}

func TestCompressionApplied(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Network.Compression.Enabled = true
		c.Network.Compression.Threshold = 16
	})
	big := &fakeWorker{handle: func(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error) {
		payload := make([]byte, 4096)
		for i := range payload {
			payload[i] = 'a'
		}
		return &bridge.Response{
			Status:  200,
			Headers: map[string][]string{"Content-Type": {"text/plain"}},
			Body:    payload,
		}, nil
	}}
	g := New(cfg, &fakeDispatcher{worker: big}, nil, nil)

	r := httptest.NewRequest("GET", "/big", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	rec := serveOne(g, r)
	if enc := rec.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("Content-Encoding = %q", enc)
	}
	if rec.Body.Len() >= 4096 {
		t.Errorf("body not compressed: %d bytes", rec.Body.Len())
	}
}

func TestURLTooLong414(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.RequestManagement.Payload.MaxURLLength = 10
	})
	g := New(cfg, &fakeDispatcher{worker: okWorker()}, nil, nil)

	rec := serveOne(g, httptest.NewRequest("GET", "/this-is-way-too-long", nil))
	if rec.Code != http.StatusRequestURITooLong {
		t.Fatalf("status = %d, want 414", rec.Code)
	}
}
