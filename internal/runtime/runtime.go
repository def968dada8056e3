package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/app"
	ferrors "github.com/wudi/ferry/internal/errors"
	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/plugin"
	"github.com/wudi/ferry/internal/protocol"
	"github.com/wudi/ferry/internal/router"
	"github.com/wudi/ferry/internal/vault"
)

// Config tunes the worker runtime.
type Config struct {
	Sandbox        string
	SessionHeader  string // header bearing the session token
	SessionCookie  string // cookie bearing the session token
	AutoRotation   bool
	SessionTTL     time.Duration
	MetricsEvery   time.Duration // onPerformanceMetrics cadence; 0 = 30s
}

// Runtime turns decoded IPC requests into handler invocations and handler
// results into response records. One Runtime serves one worker process.
type Runtime struct {
	app      *app.App
	plugins  *plugin.Manager
	sessions vault.Sessions // nil when the vault is disabled
	cfg      Config
	log      *zap.Logger

	requests atomic.Int64
	failures atomic.Int64
	totalNs  atomic.Int64

	stopMetrics context.CancelFunc
}

// New assembles a Runtime. sessions may be nil.
func New(a *app.App, plugins *plugin.Manager, sessions vault.Sessions, cfg Config) *Runtime {
	if cfg.SessionHeader == "" {
		cfg.SessionHeader = "X-Session-Token"
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "xems_session"
	}
	if cfg.MetricsEvery <= 0 {
		cfg.MetricsEvery = 30 * time.Second
	}
	return &Runtime{
		app:      a,
		plugins:  plugins,
		sessions: sessions,
		cfg:      cfg,
		log:      logging.Component("runtime"),
	}
}

// Start freezes the plugin registry, lets plugins contribute routes, and
// fires the lifecycle hooks.
func (r *Runtime) Start() error {
	r.plugins.Freeze()
	if err := r.plugins.RegisterRoutes(r.app); err != nil {
		return err
	}
	r.plugins.ServerStart()

	ctx, cancel := context.WithCancel(context.Background())
	r.stopMetrics = cancel
	go r.metricsLoop(ctx)

	r.plugins.ServerReady()
	return nil
}

// Stop fires onServerStop and ends the metrics loop.
func (r *Runtime) Stop() {
	if r.stopMetrics != nil {
		r.stopMetrics()
	}
	r.plugins.ServerStop()
}

func (r *Runtime) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.MetricsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqs := r.requests.Load()
			var avg float64
			if reqs > 0 {
				avg = float64(r.totalNs.Load()) / float64(reqs) / 1e6
			}
			r.plugins.RunPerformanceMetrics(plugin.PerfMetrics{
				Requests:      reqs,
				Errors:        r.failures.Load(),
				AvgDurationMs: avg,
			})
		}
	}
}

// Handle is the bridge.Handler: it drives the per-request state machine.
func (r *Runtime) Handle(ctx context.Context, rec protocol.RequestRecord, body []byte) (protocol.ResponseRecord, []byte) {
	start := time.Now()
	r.requests.Add(1)

	c := r.buildCtx(ctx, rec, body)
	if c == nil {
		r.failures.Add(1)
		return errorRecord(ferrors.ErrBadRequest), nil
	}

	r.attachSession(c)
	if c.Wrote() {
		// Session attach rejected the request (rotated token).
		return r.finish(c, start)
	}

	tm, err := r.plugins.RunRequest(c, func() error {
		return r.routeAndDispatch(c)
	})

	if err != nil {
		r.failures.Add(1)
		r.handleError(err, c)
	}

	if r.cfg.AutoRotation && r.sessions != nil && c.SessionToken != "" && c.Session != nil && !c.Cancelled() {
		if newTok, rerr := r.sessions.Rotate(c.SessionToken, nil); rerr == nil {
			c.NewSessionToken = newTok
			c.SetHeader(r.cfg.SessionHeader, newTok)
			c.ResponseHeaders().Add("Set-Cookie", sessionCookie(r.cfg.SessionCookie, newTok))
		}
	}

	r.plugins.RunResponse(c)
	r.plugins.RunRequestTiming(tm, c)
	return r.finish(c, start)
}

func (r *Runtime) finish(c *app.Ctx, start time.Time) (protocol.ResponseRecord, []byte) {
	r.totalNs.Add(int64(time.Since(start)))
	return protocol.ResponseRecord{
		Status:  c.ResponseStatus(),
		Headers: c.ResponseHeaders(),
	}, c.ResponseBody()
}

func (r *Runtime) buildCtx(ctx context.Context, rec protocol.RequestRecord, body []byte) *app.Ctx {
	if rec.Method == "" || rec.Path == "" {
		return nil
	}
	headers := http.Header(rec.Headers)
	if headers == nil {
		headers = make(http.Header)
	}
	var deadline time.Time
	if rec.DeadlineMs > 0 {
		deadline = time.UnixMilli(rec.DeadlineMs)
	}
	return app.NewCtx(ctx, rec.Method, rec.Path, url.Values(rec.Query), headers, rec.PeerIP, body, deadline)
}

// attachSession resolves the presented token, if any. NotFound and Expired
// leave the session nil and let the request continue; a rotated token past
// its grace window is refused with 401.
func (r *Runtime) attachSession(c *app.Ctx) {
	if r.sessions == nil {
		return
	}
	token := c.Headers.Get(r.cfg.SessionHeader)
	if token == "" {
		token = cookieValue(c.Headers.Get("Cookie"), r.cfg.SessionCookie)
	}
	if token == "" {
		return
	}
	c.SessionToken = token

	plain, err := r.sessions.Read(token)
	switch {
	case err == nil:
		c.Session = plain
	case errors.Is(err, vault.ErrRotated):
		c.Status(http.StatusUnauthorized)
		c.JSON(map[string]string{"error": "session-rotated"})
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, vault.ErrExpired):
		// No session; request continues anonymous.
	default:
		r.log.Warn("vault read failed", zap.Error(err))
	}
}

func (r *Runtime) routeAndDispatch(c *app.Ctx) error {
	m, verdict := r.app.Lookup(c.Method, c.Path)
	switch verdict {
	case router.NotFound:
		r.plugins.RunRouteError(plugin.RouteErrorInfo{Status: 404, Method: c.Method, Path: c.Path}, c)
		if !c.Wrote() {
			c.Status(http.StatusNotFound)
			c.JSON(map[string]string{"error": string(ferrors.KindNotFound)})
		}
		return nil
	case router.MethodNotAllowed:
		r.plugins.RunRouteError(plugin.RouteErrorInfo{Status: 405, Method: c.Method, Path: c.Path}, c)
		if !c.Wrote() {
			c.SetHeader("Allow", strings.Join(m.Allow, ", "))
			c.Status(http.StatusMethodNotAllowed)
			c.JSON(map[string]string{"error": string(ferrors.KindMethodNotAllowed)})
		}
		return nil
	}

	c.Params = m.Params
	return r.dispatchGuarded(m.Handler, c)
}

// dispatchGuarded contains handler panics so one bad handler cannot take the
// worker down.
func (r *Runtime) dispatchGuarded(ch *app.Chain, c *app.Ctx) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.app.Dispatch(ch, c)
}

// handleError runs the reverse error chain; unclaimed errors become a 500
// with an opaque id that only the server-side log can resolve.
func (r *Runtime) handleError(err error, c *app.Ctx) {
	if errors.Is(err, app.ErrCancelled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if !c.Wrote() {
			c.Status(http.StatusGatewayTimeout)
			c.JSON(map[string]string{"error": string(ferrors.KindTimeout)})
		}
		return
	}

	if r.plugins.RunError(err, c) && c.Wrote() {
		return
	}

	errID := uuid.New().String()
	r.log.Error("handler failed",
		zap.String("errorId", errID),
		zap.String("method", c.Method),
		zap.String("path", c.Path),
		zap.Error(err))
	if !c.Wrote() {
		c.Status(http.StatusInternalServerError)
		c.JSON(map[string]string{
			"error":   string(ferrors.KindHandlerError),
			"message": "Internal Server Error",
			"errorId": errID,
		})
	}
}

func errorRecord(e *ferrors.Error) protocol.ResponseRecord {
	return protocol.ResponseRecord{
		Status:  e.Status,
		Headers: map[string][]string{"Content-Type": {"application/json"}},
	}
}

func sessionCookie(name, token string) string {
	return fmt.Sprintf("%s=%s; Path=/; HttpOnly; SameSite=Lax", name, token)
}

func cookieValue(header, name string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, name+"="); ok {
			return v
		}
	}
	return ""
}
