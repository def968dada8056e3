package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrCancelled is the sentinel a handler observes when the request deadline
// passed or the gateway sent CANCEL. The runtime maps it to 504.
var ErrCancelled = errors.New("app: request cancelled")

// Ctx carries one request through the middleware chain and handler.
// It is owned by a single goroutine; no synchronization is needed inside
// a handler.
type Ctx struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Params  map[string]string
	PeerIP  string
	Body    []byte

	// Session is the decrypted vault payload, nil when the request bore no
	// valid token. SessionToken is the presented token; NewSessionToken is
	// set by the runtime after auto-rotation.
	Session         []byte
	SessionToken    string
	NewSessionToken string

	ctx      context.Context
	deadline time.Time

	status      int
	respHeaders http.Header
	respBody    []byte
	wrote       bool
}

// NewCtx builds a request context. The runtime is the only caller.
func NewCtx(ctx context.Context, method, path string, query url.Values, headers http.Header, peerIP string, body []byte, deadline time.Time) *Ctx {
	return &Ctx{
		Method:      method,
		Path:        path,
		Query:       query,
		Headers:     headers,
		PeerIP:      peerIP,
		Body:        body,
		ctx:         ctx,
		deadline:    deadline,
		status:      http.StatusOK,
		respHeaders: make(http.Header),
	}
}

// Context returns the request's cancellation context. Handlers must check it
// at every suspension point.
func (c *Ctx) Context() context.Context {
	return c.ctx
}

// Deadline returns the request deadline (zero when none).
func (c *Ctx) Deadline() time.Time {
	return c.deadline
}

// Cancelled reports whether the deadline passed or a CANCEL arrived.
func (c *Ctx) Cancelled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Status sets the response status. The first write pins it.
func (c *Ctx) Status(code int) *Ctx {
	if !c.wrote {
		c.status = code
	}
	return c
}

// SetHeader sets a response header.
func (c *Ctx) SetHeader(key, value string) *Ctx {
	c.respHeaders.Set(key, value)
	return c
}

// Send writes a raw body, completing the response.
func (c *Ctx) Send(body []byte) error {
	if c.wrote {
		return errors.New("app: response already written")
	}
	c.respBody = body
	c.wrote = true
	return nil
}

// Text writes a plain-text body.
func (c *Ctx) Text(s string) error {
	c.respHeaders.Set("Content-Type", "text/plain; charset=utf-8")
	return c.Send([]byte(s))
}

// JSON writes a JSON body. Self-referential values are serialized with a
// cycle-detecting encoder that replaces revisited references with a marker.
func (c *Ctx) JSON(v any) error {
	b, err := marshalAcyclic(v)
	if err != nil {
		return fmt.Errorf("app: encode json: %w", err)
	}
	c.respHeaders.Set("Content-Type", "application/json")
	return c.Send(b)
}

// Wrote reports whether a body has been written.
func (c *Ctx) Wrote() bool {
	return c.wrote
}

// ResponseStatus returns the pinned status code.
func (c *Ctx) ResponseStatus() int {
	return c.status
}

// ResponseHeaders exposes the response header map.
func (c *Ctx) ResponseHeaders() http.Header {
	return c.respHeaders
}

// ResponseBody returns the written body.
func (c *Ctx) ResponseBody() []byte {
	return c.respBody
}

// BindJSON unmarshals the request body into v.
func (c *Ctx) BindJSON(v any) error {
	return json.Unmarshal(c.Body, v)
}
