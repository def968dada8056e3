package app

import (
	"github.com/wudi/ferry/internal/router"
)

// Handler processes one request.
type Handler func(*Ctx) error

// Middleware wraps a handler invocation; call next to continue the chain.
type Middleware func(c *Ctx, next func() error) error

// Chain is the routed unit: the middleware stack and final handler for one
// (method, pattern) pair. pre runs before the owning app's global middleware
// (populated when a sub-router is mounted).
type Chain struct {
	pre     []Middleware
	mw      []Middleware
	handler Handler
}

// App is the worker-facing registration surface: routes, middleware and
// sub-router mounts. It is mutable until the runtime starts serving, then
// read-only.
type App struct {
	tree       *router.Tree[*Chain]
	middleware []Middleware
	frozen     bool
}

// New creates an empty App.
func New() *App {
	return &App{tree: router.New[*Chain]()}
}

// Use appends global middleware, running for every route in registration
// order.
func (a *App) Use(mw ...Middleware) *App {
	a.middleware = append(a.middleware, mw...)
	return a
}

// Handle registers a handler for an arbitrary method.
func (a *App) Handle(method, pattern string, h Handler, mw ...Middleware) error {
	return a.tree.Add(method, pattern, &Chain{mw: mw, handler: h})
}

// GET registers a GET route.
func (a *App) GET(pattern string, h Handler, mw ...Middleware) error {
	return a.Handle("GET", pattern, h, mw...)
}

// POST registers a POST route.
func (a *App) POST(pattern string, h Handler, mw ...Middleware) error {
	return a.Handle("POST", pattern, h, mw...)
}

// PUT registers a PUT route.
func (a *App) PUT(pattern string, h Handler, mw ...Middleware) error {
	return a.Handle("PUT", pattern, h, mw...)
}

// DELETE registers a DELETE route.
func (a *App) DELETE(pattern string, h Handler, mw ...Middleware) error {
	return a.Handle("DELETE", pattern, h, mw...)
}

// PATCH registers a PATCH route.
func (a *App) PATCH(pattern string, h Handler, mw ...Middleware) error {
	return a.Handle("PATCH", pattern, h, mw...)
}

// HEAD registers a HEAD route.
func (a *App) HEAD(pattern string, h Handler, mw ...Middleware) error {
	return a.Handle("HEAD", pattern, h, mw...)
}

// OPTIONS registers an OPTIONS route.
func (a *App) OPTIONS(pattern string, h Handler, mw ...Middleware) error {
	return a.Handle("OPTIONS", pattern, h, mw...)
}

// Mount splices sub's routes under prefix. The sub-router's middleware runs
// ahead of this app's chain for the spliced routes.
func (a *App) Mount(prefix string, sub *App) error {
	return a.tree.Mount(prefix, sub.tree, func(ch *Chain) *Chain {
		pre := make([]Middleware, 0, len(sub.middleware)+len(ch.pre))
		pre = append(pre, sub.middleware...)
		pre = append(pre, ch.pre...)
		return &Chain{pre: pre, mw: ch.mw, handler: ch.handler}
	})
}

// Lookup resolves a request to its chain.
func (a *App) Lookup(method, path string) (router.Match[*Chain], router.Verdict) {
	return a.tree.Lookup(method, path)
}

// Dispatch runs the full chain for a matched route: mount-time middleware,
// the app's global middleware, route middleware, then the handler.
func (a *App) Dispatch(ch *Chain, c *Ctx) error {
	stack := make([]Middleware, 0, len(ch.pre)+len(a.middleware)+len(ch.mw))
	stack = append(stack, ch.pre...)
	stack = append(stack, a.middleware...)
	stack = append(stack, ch.mw...)

	var run func(i int) error
	run = func(i int) error {
		if c.Cancelled() {
			return ErrCancelled
		}
		if i == len(stack) {
			return ch.handler(c)
		}
		return stack[i](c, func() error { return run(i + 1) })
	}
	return run(0)
}
