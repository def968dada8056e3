package gateway

import (
	stderrors "errors"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/ferry/config"
	"github.com/wudi/ferry/internal/bridge"
	"github.com/wudi/ferry/internal/circuitbreaker"
	"github.com/wudi/ferry/internal/cluster"
	"github.com/wudi/ferry/internal/errors"
	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/metrics"
	"github.com/wudi/ferry/internal/middleware"
	"github.com/wudi/ferry/internal/middleware/compression"
	"github.com/wudi/ferry/internal/middleware/ratelimit"
	"github.com/wudi/ferry/internal/netquality"
	"github.com/wudi/ferry/internal/protocol"
	"github.com/wudi/ferry/internal/proxy"
)

// Dispatcher schedules a request onto a worker channel.
// *cluster.Supervisor implements it.
type Dispatcher interface {
	Pick(clientIP, stickyKey string) (cluster.Channel, error)
}

// RateLimitEvent describes a limiter rejection for the hook surface.
type RateLimitEvent struct {
	Key       string
	Limit     int
	Remaining int
	Reset     time.Time
}

// Gateway is the HTTP-facing engine: admission, resilience gates, and
// dispatch to workers over IPC or to upstreams over HTTP.
type Gateway struct {
	cfg        *config.Config
	dispatcher Dispatcher
	prox       *proxy.Proxy // nil when reverse proxying is off
	admission  *Admission
	limiter    ratelimit.Limiter // nil when rate limiting is off
	breakers   *circuitbreaker.ByKey
	breaking   bool
	quality    *netquality.Gate
	compressor *compression.Compressor
	metrics    *metrics.Metrics
	log        *zap.Logger

	// OnRateLimit fires before a 429 is written.
	OnRateLimit func(RateLimitEvent)

	draining chan struct{}
}

// New assembles the Gateway from config.
func New(cfg *config.Config, dispatcher Dispatcher, prox *proxy.Proxy, m *metrics.Metrics) *Gateway {
	rm := cfg.RequestManagement
	g := &Gateway{
		cfg:        cfg,
		dispatcher: dispatcher,
		prox:       prox,
		metrics:    m,
		log:        logging.Component("gateway"),
		draining:   make(chan struct{}),
		admission: NewAdmission(AdmissionConfig{
			MaxURLLength:          rm.Payload.MaxURLLength,
			MaxBodySize:           rm.Payload.MaxBodySize,
			MaxConcurrentRequests: rm.Concurrency.MaxConcurrentRequests,
			MaxPerIP:              rm.Concurrency.MaxPerIP,
			MaxQueueSize:          rm.Concurrency.MaxQueueSize,
			QueueTimeout:          rm.Concurrency.QueueTimeout,
		}),
		quality: netquality.New(netquality.Config{
			Enabled:      rm.NetworkQuality.Enabled && rm.NetworkQuality.RejectOnPoorConnection,
			MaxLatency:   rm.NetworkQuality.MaxLatency,
			MinBandwidth: rm.NetworkQuality.MinBandwidth,
		}),
		compressor: compression.New(compression.Config{
			Enabled:      cfg.Network.Compression.Enabled,
			Algorithms:   cfg.Network.Compression.Algorithms,
			Level:        cfg.Network.Compression.Level,
			Threshold:    cfg.Network.Compression.Threshold,
			ContentTypes: cfg.Network.Compression.ContentTypes,
		}),
	}

	if cfg.Network.RateLimit.Enabled {
		g.limiter = ratelimit.New(
			cfg.Network.RateLimit.Strategy,
			cfg.Network.RateLimit.Global.Requests,
			cfg.Network.RateLimit.Global.Window,
		)
	}

	cb := rm.Resilience.CircuitBreaker
	g.breaking = cb.Enabled
	g.breakers = circuitbreaker.NewByKey(circuitbreaker.Config{
		FailureThreshold: cb.FailureThreshold,
		ResetTimeout:     cb.ResetTimeout,
	}, 0)

	return g
}

// Quality exposes the link-quality gate so the proxy and bridge can feed it.
func (g *Gateway) Quality() *netquality.Gate {
	return g.quality
}

// Breakers exposes breaker snapshots for the admin surface.
func (g *Gateway) Breakers() map[string]circuitbreaker.Snapshot {
	return g.breakers.Snapshots()
}

// Admission exposes queue depth for metrics.
func (g *Gateway) Admission() *Admission {
	return g.admission
}

// StartDrain makes every new request fail fast with 503.
func (g *Gateway) StartDrain() {
	select {
	case <-g.draining:
	default:
		close(g.draining)
	}
}

// Handler builds the full middleware chain around the dispatch handler.
func (g *Gateway) Handler() http.Handler {
	b := middleware.NewBuilder()
	b.Use(middleware.RequestID())
	b.Use(middleware.Recovery())
	return b.Handler(http.HandlerFunc(g.serve))
}

// serve runs the admission pipeline in order, then dispatches.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := middleware.GetRequestID(r)
	clientIP := clientAddr(r)

	select {
	case <-g.draining:
		g.reject(w, errors.ErrShuttingDown, reqID, "drain")
		return
	default:
	}

	if !g.cfg.Server.SuppressPoweredBy {
		w.Header().Set("X-Powered-By", "ferry")
	}

	// Stages 1–2: size limits.
	if aerr := g.admission.Check(r); aerr != nil {
		g.reject(w, aerr, reqID, "size")
		return
	}

	// Stages 3–4: concurrency and queue.
	release, aerr := g.admission.Acquire(clientIP)
	if aerr != nil {
		g.reject(w, aerr, reqID, "concurrency")
		return
	}
	defer release()

	// Stage 5: rate limit.
	if g.limiter != nil {
		allowed, remaining, reset := g.limiter.Allow(clientIP)
		w.Header().Set("RateLimit-Limit", strconv.Itoa(g.limiter.Limit()))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !allowed {
			if g.OnRateLimit != nil {
				g.OnRateLimit(RateLimitEvent{Key: clientIP, Limit: g.limiter.Limit(), Remaining: remaining, Reset: reset})
			}
			retryAfter := int(time.Until(reset).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			if g.metrics != nil {
				g.metrics.RateLimitRejects.Inc()
			}
			g.reject(w, errors.ErrTooManyRequests, reqID, "ratelimit")
			return
		}
	}

	// Stage 6: network quality.
	if !g.quality.Allow() {
		g.reject(w, errors.ErrQualityRejected, reqID, "quality")
		return
	}

	// Stage 7: circuit breaker for the target.
	routeKey := g.routeKey(r)
	var breaker *circuitbreaker.Breaker
	if g.breaking {
		breaker = g.breakers.Get(routeKey)
		if !breaker.Allow() {
			g.reject(w, errors.ErrBreakerOpen, reqID, "breaker")
			return
		}
	}

	// Dispatch: upstream proxy or worker IPC.
	if g.prox != nil && g.isProxyRoute(r.URL.Path) {
		g.finishProxied(w, r, breaker, routeKey, start)
		return
	}
	g.dispatchWorker(w, r, breaker, routeKey, clientIP, reqID, start)
}

func (g *Gateway) reject(w http.ResponseWriter, e *errors.Error, reqID, stage string) {
	if g.metrics != nil {
		g.metrics.AdmissionRejects.WithLabelValues(stage).Inc()
	}
	e.WithRequestID(reqID).WriteJSON(w)
}

// routeKey identifies the breaker scope for a request.
func (g *Gateway) routeKey(r *http.Request) string {
	return r.URL.Path
}

func (g *Gateway) isProxyRoute(path string) bool {
	for _, prefix := range g.cfg.Network.Proxy.Routes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	// No explicit route list: proxy everything when enabled.
	return len(g.cfg.Network.Proxy.Routes) == 0
}

func (g *Gateway) finishProxied(w http.ResponseWriter, r *http.Request, breaker *circuitbreaker.Breaker, routeKey string, start time.Time) {
	// The proxy keeps its own per-upstream breakers; the route breaker
	// observes the outcome through the status writer.
	sw := &statusWriter{ResponseWriter: w}
	g.prox.ServeHTTP(sw, r)
	g.recordOutcome(breaker, sw.status)
	g.observe(routeKey, sw.status, start)
}

// effectiveTimeout resolves the per-route override, falling back to the
// global default.
func (g *Gateway) effectiveTimeout(path string) time.Duration {
	tc := g.cfg.RequestManagement.Timeout
	if !tc.Enabled {
		return 0
	}
	if d, ok := tc.Routes[path]; ok {
		return d
	}
	// Longest-prefix override wins for nested paths.
	var best string
	var bestD time.Duration
	for p, d := range tc.Routes {
		if strings.HasPrefix(path, p) && len(p) > len(best) {
			best, bestD = p, d
		}
	}
	if best != "" {
		return bestD
	}
	return tc.DefaultTimeout
}

func (g *Gateway) dispatchWorker(w http.ResponseWriter, r *http.Request, breaker *circuitbreaker.Breaker, routeKey, clientIP, reqID string, start time.Time) {
	ctx := r.Context()
	if d := g.effectiveTimeout(r.URL.Path); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var bodyReader io.Reader = r.Body
	maxBody := g.cfg.RequestManagement.Payload.MaxBodySize
	if maxBody > 0 {
		bodyReader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		g.reject(w, errors.ErrBadRequest, reqID, "body")
		return
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		// Chunked bodies dodge the Content-Length check; enforce here.
		g.reject(w, errors.ErrPayloadTooLarge, reqID, "size")
		return
	}

	stickyKey := r.Header.Get(g.cfg.XEMS.HeaderName)
	if stickyKey == "" {
		if c, err := r.Cookie(g.cfg.XEMS.CookieName); err == nil {
			stickyKey = c.Value
		}
	}

	ch, err := g.dispatcher.Pick(clientIP, stickyKey)
	if err != nil {
		g.recordOutcome(breaker, http.StatusServiceUnavailable)
		g.reject(w, errors.New(http.StatusServiceUnavailable, errors.KindUpstreamUnreachable, "Service Unavailable"), reqID, "workers")
		return
	}

	rec := protocol.RequestRecord{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: r.Header,
		PeerIP:  clientIP,
	}

	resp, err := ch.Do(ctx, rec, body)
	g.quality.Observe(time.Since(start), int64(len(body)))
	if err != nil {
		status := http.StatusBadGateway
		e := errors.ErrBadGateway
		switch {
		case stderrors.Is(err, bridge.ErrDeadline):
			status = http.StatusGatewayTimeout
			e = errors.ErrGatewayTimeout
		case stderrors.Is(err, bridge.ErrDraining):
			status = http.StatusServiceUnavailable
			e = errors.ErrShuttingDown
		}
		g.recordOutcome(breaker, status)
		g.reject(w, e, reqID, "bridge")
		g.observe(routeKey, status, start)
		return
	}

	g.recordOutcome(breaker, resp.Status)
	g.writeResponse(w, r, resp, start)
	g.observe(routeKey, resp.Status, start)
}

// recordOutcome feeds the route breaker: transport-level failures and 5xx
// count against it.
func (g *Gateway) recordOutcome(breaker *circuitbreaker.Breaker, status int) {
	if breaker == nil {
		return
	}
	if status >= 500 {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
}

func (g *Gateway) observe(routeKey string, status int, start time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveRequest(routeKey, status, time.Since(start).Seconds())
	}
}

// writeResponse copies a worker response onto the wire, applying negotiated
// compression and the framework headers.
func (g *Gateway) writeResponse(w http.ResponseWriter, r *http.Request, resp *bridge.Response, start time.Time) {
	for k, vals := range resp.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Response-Time-Ms",
		strconv.FormatInt(time.Since(start).Milliseconds(), 10))

	if algo := g.compressor.NegotiateEncoding(r); algo != "" {
		cw := compression.NewResponseWriter(w, g.compressor, algo)
		cw.WriteHeader(resp.Status)
		cw.Write(resp.Body)
		cw.Close()
		return
	}

	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// statusWriter records the status written by an inner handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
