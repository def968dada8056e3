package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares; the first added is outermost.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then chains the middlewares around the final handler.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Append adds middlewares and returns a new chain.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	next := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	next = append(next, c.middlewares...)
	next = append(next, middlewares...)
	return &Chain{middlewares: next}
}

// Builder accumulates middlewares conditionally.
type Builder struct {
	middlewares []Middleware
}

// NewBuilder creates a middleware builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use adds a middleware.
func (b *Builder) Use(m Middleware) *Builder {
	b.middlewares = append(b.middlewares, m)
	return b
}

// UseIf adds a middleware when condition holds.
func (b *Builder) UseIf(condition bool, m Middleware) *Builder {
	if condition {
		b.middlewares = append(b.middlewares, m)
	}
	return b
}

// Handler wraps h with the accumulated middlewares.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return NewChain(b.middlewares...).Then(h)
}
