package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wudi/ferry/internal/circuitbreaker"
	"github.com/wudi/ferry/internal/errors"
	"github.com/wudi/ferry/internal/health"
	"github.com/wudi/ferry/internal/loadbalancer"
	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/middleware"
	"github.com/wudi/ferry/internal/netquality"
	"github.com/wudi/ferry/internal/retry"
)

// hopHeaders are stripped when forwarding, per RFC 7230 §6.1.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Config holds the reverse-proxy parameters.
type Config struct {
	Upstreams      []*loadbalancer.Upstream
	Strategy       string // round-robin | weighted-round-robin | least-connections | ip-hash
	Timeout        time.Duration
	MaxConnections int // per-upstream bound; 0 = unbounded
	HealthCheck    health.Config
	Retry          retry.Config
	Breaker        circuitbreaker.Config
	BreakerEnabled bool
	Quality        *netquality.Gate // optional; fed with per-exchange observations
	MaxIdleConns   int
	MaxIdlePerHost int
}

// Proxy forwards requests to an upstream pool with health-aware balancing,
// per-upstream connection bounds, circuit breaking and idempotent retries.
type Proxy struct {
	balancer  loadbalancer.Balancer
	checker   *health.Checker
	breakers  *circuitbreaker.ByKey
	breaking  bool
	policy    *retry.Policy
	transport *http.Transport
	timeout   time.Duration
	sems      map[string]*semaphore.Weighted
	quality   *netquality.Gate
	log       *zap.Logger
}

// New creates a Proxy and starts its health probes.
func New(cfg Config) *Proxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 256
	}
	if cfg.MaxIdlePerHost <= 0 {
		cfg.MaxIdlePerHost = 32
	}

	p := &Proxy{
		balancer: loadbalancer.New(cfg.Strategy, cfg.Upstreams),
		breakers: circuitbreaker.NewByKey(cfg.Breaker, 0),
		breaking: cfg.BreakerEnabled,
		policy:   retry.NewPolicy(cfg.Retry),
		timeout:  cfg.Timeout,
		sems:     make(map[string]*semaphore.Weighted),
		quality:  cfg.Quality,
		log:      logging.Component("proxy"),
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	for _, u := range cfg.Upstreams {
		maxConns := u.MaxConnections
		if maxConns == 0 {
			maxConns = cfg.MaxConnections
		}
		if maxConns > 0 {
			p.sems[u.URL] = semaphore.NewWeighted(int64(maxConns))
		}
	}

	hc := cfg.HealthCheck
	hc.OnChange = func(url string, s health.Status) {
		if s == health.StatusHealthy {
			p.balancer.MarkHealthy(url)
		} else {
			p.balancer.MarkUnhealthy(url)
		}
		p.log.Info("upstream health changed", zap.String("upstream", url), zap.String("status", string(s)))
	}
	p.checker = health.NewChecker(hc)
	for _, u := range cfg.Upstreams {
		p.checker.AddUpstream(u.URL)
	}

	return p
}

// SetQuality attaches a link-quality gate fed with per-exchange
// observations. Call before serving traffic.
func (p *Proxy) SetQuality(g *netquality.Gate) {
	p.quality = g
}

// Balancer exposes the upstream pool for the admin surface.
func (p *Proxy) Balancer() loadbalancer.Balancer {
	return p.balancer
}

// Breakers exposes breaker snapshots for the admin surface.
func (p *Proxy) Breakers() map[string]circuitbreaker.Snapshot {
	return p.breakers.Snapshots()
}

// Stop ends the health probes.
func (p *Proxy) Stop() {
	p.checker.Stop()
}

// ServeHTTP forwards one request. The response is written exactly once:
// either the upstream's, or a gateway error.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientAddr(r)
	reqID := middleware.GetRequestID(r)

	ctx := r.Context()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		errors.ErrBadRequest.WithRequestID(reqID).WriteJSON(w)
		return
	}
	r.Body.Close()

	var lastResp *http.Response
	start := time.Now()

	_, err = p.policy.Execute(ctx, r.Method, p.gateFor(clientIP), func(ctx context.Context) (int, error) {
		upstream := p.balancer.Next(clientIP)
		if upstream == nil {
			return 0, errors.New(http.StatusServiceUnavailable, errors.KindUpstreamUnreachable, "Service Unavailable")
		}

		var breaker *circuitbreaker.Breaker
		if p.breaking {
			breaker = p.breakers.Get(upstream.URL)
			if !breaker.Allow() {
				return 0, errors.ErrBreakerOpen
			}
		}

		if sem, ok := p.sems[upstream.URL]; ok {
			semCtx, semCancel := context.WithTimeout(ctx, 100*time.Millisecond)
			err := sem.Acquire(semCtx, 1)
			semCancel()
			if err != nil {
				return 0, errors.ErrQueueFull
			}
			defer sem.Release(1)
		}

		upstream.IncrActive()
		defer upstream.DecrActive()

		out := r.Clone(ctx)
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.URL.Scheme = upstream.ParsedURL.Scheme
		out.URL.Host = upstream.ParsedURL.Host
		out.Host = upstream.ParsedURL.Host
		out.RequestURI = ""
		for _, h := range hopHeaders {
			out.Header.Del(h)
		}
		out.Header.Set("X-Forwarded-For", clientIP)

		resp, err := p.transport.RoundTrip(out)
		if err != nil {
			if breaker != nil {
				breaker.RecordFailure()
			}
			return 0, errors.Wrap(err, http.StatusBadGateway, errors.KindUpstreamUnreachable, "upstream unreachable")
		}

		if breaker != nil {
			if resp.StatusCode >= 500 {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
		}

		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
		return resp.StatusCode, nil
	})

	if p.quality != nil {
		var n int64
		if lastResp != nil {
			n = lastResp.ContentLength
			if n < 0 {
				n = 0
			}
		}
		p.quality.Observe(time.Since(start), n+int64(len(body)))
	}

	if err != nil || lastResp == nil {
		p.writeFailure(w, err, reqID)
		return
	}
	copyResponse(w, lastResp)
}

// gateFor adapts the next upstream's breaker into the retry policy's gate.
// With breaking disabled it returns nil and the policy never consults it.
func (p *Proxy) gateFor(clientIP string) retry.BreakerGate {
	if !p.breaking {
		return nil
	}
	return gateFunc(func() bool {
		u := p.balancer.Next(clientIP)
		if u == nil {
			return false
		}
		return p.breakers.Get(u.URL).Allow()
	})
}

type gateFunc func() bool

func (f gateFunc) Allow() bool { return f() }

func (p *Proxy) writeFailure(w http.ResponseWriter, err error, reqID string) {
	if fe, ok := errors.AsError(err); ok {
		fe.WithRequestID(reqID).WriteJSON(w)
		return
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		errors.ErrGatewayTimeout.WithRequestID(reqID).WriteJSON(w)
		return
	}
	errors.Wrap(err, http.StatusBadGateway, errors.KindRetryExhausted, "Bad Gateway").
		WithRequestID(reqID).WriteJSON(w)
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
