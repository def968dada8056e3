package plugin

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/app"
	"github.com/wudi/ferry/internal/logging"
)

// Hook names a pipeline interception point. The set is closed; permission
// matrices refer to hooks by these strings.
type Hook string

const (
	HookOnRegister           Hook = "onRegister"
	HookOnServerStart        Hook = "onServerStart"
	HookOnServerReady        Hook = "onServerReady"
	HookOnServerStop         Hook = "onServerStop"
	HookOnRequest            Hook = "onRequest"
	HookOnResponse           Hook = "onResponse"
	HookOnError              Hook = "onError"
	HookOnSecurityThreat     Hook = "onSecurityThreat"
	HookOnRateLimit          Hook = "onRateLimit"
	HookOnRequestTiming      Hook = "onRequestTiming"
	HookOnRouteError         Hook = "onRouteError"
	HookOnPerformanceMetrics Hook = "onPerformanceMetrics"
	HookOnConsoleIntercept   Hook = "onConsoleIntercept"
	HookRegisterRoutes       Hook = "registerRoutes"
)

// Priority partitions the pipeline; within a class, registration order rules.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityFirst
	PriorityLast
)

// ErrRegistryFrozen is returned for registrations after serving started.
var ErrRegistryFrozen = errors.New("plugin: registration window closed")

// Plugin is the minimal identity every plugin carries. Hook behavior is
// declared by implementing the optional capability interfaces below.
type Plugin interface {
	Name() string
	Version() string
}

// RegisterHook runs when the plugin is registered.
type RegisterHook interface {
	OnRegister(m *Manager)
}

// LifecycleHooks follow the server through start, ready and stop.
type StartHook interface{ OnServerStart() }
type ReadyHook interface{ OnServerReady() }
type StopHook interface{ OnServerStop() }

// RequestHook intercepts a request before routing. Returning without calling
// next short-circuits the pipeline; the plugin must have written a response.
type RequestHook interface {
	OnRequest(c *app.Ctx, next func() error) error
}

// ResponseHook observes the response after the handler completed.
type ResponseHook interface {
	OnResponse(c *app.Ctx)
}

// ErrorHook handles a failed request. Returning true claims the error
// (a response was written); the chain stops.
type ErrorHook interface {
	OnError(err error, c *app.Ctx) bool
}

// Threat describes a detected security event.
type Threat struct {
	Kind    string
	Detail  string
	Blocked bool
}

// SecurityHook observes detected threats.
type SecurityHook interface {
	OnSecurityThreat(t Threat, c *app.Ctx)
}

// RateLimitInfo describes a rate-limit rejection.
type RateLimitInfo struct {
	Key       string
	Limit     int
	Remaining int
	Reset     time.Time
}

// RateLimitHook observes rate-limit rejections before the 429 is written.
type RateLimitHook interface {
	OnRateLimit(info RateLimitInfo, c *app.Ctx)
}

// Timing is one request's pipeline timing breakdown.
type Timing struct {
	Total time.Duration
	Hooks []HookTiming
}

// HookTiming is the wall-clock cost of one hook invocation.
type HookTiming struct {
	Plugin   string
	Hook     Hook
	Duration time.Duration
}

// TimingHook receives per-request timing.
type TimingHook interface {
	OnRequestTiming(tm Timing, c *app.Ctx)
}

// RouteErrorInfo describes a routing failure (404/405).
type RouteErrorInfo struct {
	Status int
	Method string
	Path   string
}

// RouteErrorHook observes routing failures.
type RouteErrorHook interface {
	OnRouteError(info RouteErrorInfo, c *app.Ctx)
}

// PerfMetrics is the periodic performance digest.
type PerfMetrics struct {
	Requests      int64
	Errors        int64
	AvgDurationMs float64
	P99DurationMs float64
}

// MetricsHook receives periodic performance digests.
type MetricsHook interface {
	OnPerformanceMetrics(m PerfMetrics)
}

// LogEntry is a framework or user log line offered for interception.
type LogEntry struct {
	Level   string
	Message string
}

// ConsoleHook consumes intercepted log lines.
type ConsoleHook interface {
	OnConsoleIntercept(e LogEntry)
}

// RouteRegistrar contributes routes during startup.
type RouteRegistrar interface {
	RegisterRoutes(a *app.App) error
}

// Permissions is the per-plugin hook gate. A hook is invocable iff it is not
// denied and (the allow list is empty or contains it). Registration is never
// blocked; only invocation is gated.
type Permissions struct {
	AllowedHooks []Hook
	DeniedHooks  []Hook
}

func (p Permissions) allows(h Hook) bool {
	for _, d := range p.DeniedHooks {
		if d == h {
			return false
		}
	}
	if len(p.AllowedHooks) == 0 {
		return true
	}
	for _, a := range p.AllowedHooks {
		if a == h {
			return true
		}
	}
	return false
}

type registration struct {
	plugin   Plugin
	priority Priority
	order    int
}

// Manager owns the plugin pipeline: ordered registrations, the permission
// matrix, and the timing ring. Registration mutates under a lock; after
// Freeze the pipeline is read-only and invocation is lock-free.
type Manager struct {
	mu     sync.Mutex
	regs   []registration
	perms  map[string]Permissions
	frozen bool

	pipeline []registration // priority-ordered, built at Freeze
	timings  *timingRing
	log      *zap.Logger
}

// NewManager creates a Manager with the given permission matrix.
func NewManager(perms map[string]Permissions) *Manager {
	if perms == nil {
		perms = make(map[string]Permissions)
	}
	return &Manager{
		perms:   perms,
		timings: newTimingRing(256),
		log:     logging.Component("plugin"),
	}
}

// Register adds a plugin at the given priority. Fails after Freeze.
func (m *Manager) Register(p Plugin, priority Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrRegistryFrozen
	}
	m.regs = append(m.regs, registration{plugin: p, priority: priority, order: len(m.regs)})
	if rh, ok := p.(RegisterHook); ok && m.allowed(p, HookOnRegister) {
		rh.OnRegister(m)
	}
	m.log.Info("plugin registered",
		zap.String("plugin", p.Name()),
		zap.String("version", p.Version()))
	return nil
}

// Freeze closes the registration window and fixes the pipeline order:
// first-class plugins, then normal, then last; registration order within
// each class.
func (m *Manager) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return
	}
	m.frozen = true
	for _, pr := range []Priority{PriorityFirst, PriorityNormal, PriorityLast} {
		for _, r := range m.regs {
			if r.priority == pr {
				m.pipeline = append(m.pipeline, r)
			}
		}
	}
}

func (m *Manager) allowed(p Plugin, h Hook) bool {
	perm, ok := m.perms[p.Name()]
	if !ok {
		return true
	}
	return perm.allows(h)
}

// RegisterRoutes lets every permitted plugin contribute routes.
func (m *Manager) RegisterRoutes(a *app.App) error {
	for _, r := range m.pipeline {
		rr, ok := r.plugin.(RouteRegistrar)
		if !ok || !m.allowed(r.plugin, HookRegisterRoutes) {
			continue
		}
		if err := rr.RegisterRoutes(a); err != nil {
			return fmt.Errorf("plugin %s: %w", r.plugin.Name(), err)
		}
	}
	return nil
}

// ServerStart fires onServerStart.
func (m *Manager) ServerStart() {
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(StartHook); ok && m.allowed(r.plugin, HookOnServerStart) {
			h.OnServerStart()
		}
	}
}

// ServerReady fires onServerReady.
func (m *Manager) ServerReady() {
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(ReadyHook); ok && m.allowed(r.plugin, HookOnServerReady) {
			h.OnServerReady()
		}
	}
}

// ServerStop fires onServerStop.
func (m *Manager) ServerStop() {
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(StopHook); ok && m.allowed(r.plugin, HookOnServerStop) {
			h.OnServerStop()
		}
	}
}

// RunRequest drives the onRequest chain around final. Each hook receives a
// next continuation; not calling it short-circuits. Hook wall-clock is
// recorded into the timing ring.
func (m *Manager) RunRequest(c *app.Ctx, final func() error) (Timing, error) {
	var hooks []registration
	for _, r := range m.pipeline {
		if _, ok := r.plugin.(RequestHook); ok && m.allowed(r.plugin, HookOnRequest) {
			hooks = append(hooks, r)
		}
	}

	tm := Timing{}
	start := time.Now()

	var run func(i int) error
	run = func(i int) error {
		if i == len(hooks) {
			return final()
		}
		h := hooks[i].plugin.(RequestHook)
		hookStart := time.Now()
		called := false
		err := h.OnRequest(c, func() error {
			called = true
			// Stop the clock while downstream work runs.
			tm.Hooks = append(tm.Hooks, HookTiming{
				Plugin:   hooks[i].plugin.Name(),
				Hook:     HookOnRequest,
				Duration: time.Since(hookStart),
			})
			return run(i + 1)
		})
		if !called {
			tm.Hooks = append(tm.Hooks, HookTiming{
				Plugin:   hooks[i].plugin.Name(),
				Hook:     HookOnRequest,
				Duration: time.Since(hookStart),
			})
		}
		return err
	}

	err := run(0)
	tm.Total = time.Since(start)
	for _, ht := range tm.Hooks {
		m.timings.record(ht)
	}
	return tm, err
}

// RunResponse fires onResponse for every permitted plugin in pipeline order.
func (m *Manager) RunResponse(c *app.Ctx) {
	for _, r := range m.pipeline {
		h, ok := r.plugin.(ResponseHook)
		if !ok || !m.allowed(r.plugin, HookOnResponse) {
			continue
		}
		start := time.Now()
		h.OnResponse(c)
		m.timings.record(HookTiming{Plugin: r.plugin.Name(), Hook: HookOnResponse, Duration: time.Since(start)})
	}
}

// RunError walks error hooks in reverse pipeline order until one claims the
// error. Returns true when a hook wrote a response.
func (m *Manager) RunError(err error, c *app.Ctx) bool {
	for i := len(m.pipeline) - 1; i >= 0; i-- {
		r := m.pipeline[i]
		h, ok := r.plugin.(ErrorHook)
		if !ok || !m.allowed(r.plugin, HookOnError) {
			continue
		}
		start := time.Now()
		handled := h.OnError(err, c)
		m.timings.record(HookTiming{Plugin: r.plugin.Name(), Hook: HookOnError, Duration: time.Since(start)})
		if handled {
			return true
		}
	}
	return false
}

// RunSecurityThreat fires onSecurityThreat.
func (m *Manager) RunSecurityThreat(t Threat, c *app.Ctx) {
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(SecurityHook); ok && m.allowed(r.plugin, HookOnSecurityThreat) {
			h.OnSecurityThreat(t, c)
		}
	}
}

// RunRateLimit fires onRateLimit before a 429 is written.
func (m *Manager) RunRateLimit(info RateLimitInfo, c *app.Ctx) {
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(RateLimitHook); ok && m.allowed(r.plugin, HookOnRateLimit) {
			h.OnRateLimit(info, c)
		}
	}
}

// RunRequestTiming delivers the request's timing breakdown.
func (m *Manager) RunRequestTiming(tm Timing, c *app.Ctx) {
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(TimingHook); ok && m.allowed(r.plugin, HookOnRequestTiming) {
			h.OnRequestTiming(tm, c)
		}
	}
}

// RunRouteError fires onRouteError for 404/405 verdicts.
func (m *Manager) RunRouteError(info RouteErrorInfo, c *app.Ctx) {
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(RouteErrorHook); ok && m.allowed(r.plugin, HookOnRouteError) {
			h.OnRouteError(info, c)
		}
	}
}

// RunPerformanceMetrics delivers a periodic digest.
func (m *Manager) RunPerformanceMetrics(pm PerfMetrics) {
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(MetricsHook); ok && m.allowed(r.plugin, HookOnPerformanceMetrics) {
			h.OnPerformanceMetrics(pm)
		}
	}
}

// RunConsoleIntercept offers a log line to console hooks. Returns true when
// some plugin consumed it.
func (m *Manager) RunConsoleIntercept(e LogEntry) bool {
	consumed := false
	for _, r := range m.pipeline {
		if h, ok := r.plugin.(ConsoleHook); ok && m.allowed(r.plugin, HookOnConsoleIntercept) {
			h.OnConsoleIntercept(e)
			consumed = true
		}
	}
	return consumed
}

// Timings returns the most recent hook timings, newest last.
func (m *Manager) Timings() []HookTiming {
	return m.timings.snapshot()
}
