package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/wudi/ferry/internal/app"
	"github.com/wudi/ferry/internal/plugin"
	"github.com/wudi/ferry/internal/protocol"
	"github.com/wudi/ferry/internal/vault"
)

func newRuntime(t *testing.T, a *app.App, sessions vault.Sessions, cfg Config) *Runtime {
	t.Helper()
	r := New(a, plugin.NewManager(nil), sessions, cfg)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)
	return r
}

func TestHandleBasicRoute(t *testing.T) {
	a := app.New()
	a.GET("/hello/:name", func(c *app.Ctx) error {
		return c.JSON(map[string]string{"hello": c.Params["name"]})
	})
	r := newRuntime(t, a, nil, Config{})

	rec, body := r.Handle(context.Background(), protocol.RequestRecord{
		Method: "GET", Path: "/hello/world", PeerIP: "10.0.0.1",
	}, nil)

	if rec.Status != 200 {
		t.Fatalf("status = %d", rec.Status)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["hello"] != "world" {
		t.Errorf("body = %v", got)
	}
}

func TestHandle404And405(t *testing.T) {
	a := app.New()
	a.GET("/only-get", func(c *app.Ctx) error { return c.Text("ok") })
	r := newRuntime(t, a, nil, Config{})

	rec, _ := r.Handle(context.Background(), protocol.RequestRecord{Method: "GET", Path: "/missing", PeerIP: "1.1.1.1"}, nil)
	if rec.Status != 404 {
		t.Errorf("missing path: status = %d", rec.Status)
	}

	rec, _ = r.Handle(context.Background(), protocol.RequestRecord{Method: "POST", Path: "/only-get", PeerIP: "1.1.1.1"}, nil)
	if rec.Status != 405 {
		t.Errorf("wrong method: status = %d", rec.Status)
	}
	if allow := http.Header(rec.Headers).Get("Allow"); allow != "GET" {
		t.Errorf("Allow = %q", allow)
	}
}

func TestHandlerErrorBecomesOpaque500(t *testing.T) {
	a := app.New()
	a.GET("/boom", func(c *app.Ctx) error { return errors.New("secret db password leaked") })
	r := newRuntime(t, a, nil, Config{})

	rec, body := r.Handle(context.Background(), protocol.RequestRecord{Method: "GET", Path: "/boom", PeerIP: "1.1.1.1"}, nil)
	if rec.Status != 500 {
		t.Fatalf("status = %d", rec.Status)
	}
	var got map[string]string
	json.Unmarshal(body, &got)
	if got["errorId"] == "" {
		t.Error("missing opaque error id")
	}
	if got["message"] != "Internal Server Error" {
		t.Errorf("message leaked: %q", got["message"])
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	a := app.New()
	a.GET("/panic", func(c *app.Ctx) error { panic("kaboom") })
	r := newRuntime(t, a, nil, Config{})

	rec, _ := r.Handle(context.Background(), protocol.RequestRecord{Method: "GET", Path: "/panic", PeerIP: "1.1.1.1"}, nil)
	if rec.Status != 500 {
		t.Fatalf("status = %d", rec.Status)
	}
}

func TestDeadlineProduces504(t *testing.T) {
	a := app.New()
	a.GET("/sleep", func(c *app.Ctx) error {
		select {
		case <-c.Context().Done():
			return app.ErrCancelled
		case <-time.After(2 * time.Second):
			return c.Text("done")
		}
	})
	r := newRuntime(t, a, nil, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rec, _ := r.Handle(ctx, protocol.RequestRecord{
		Method: "GET", Path: "/sleep", PeerIP: "1.1.1.1",
		DeadlineMs: time.Now().Add(30 * time.Millisecond).UnixMilli(),
	}, nil)
	if rec.Status != 504 {
		t.Fatalf("status = %d, want 504", rec.Status)
	}
}

func TestSessionAttachAndAutoRotation(t *testing.T) {
	store, err := vault.New(vault.Config{GracePeriod: 500 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	token, err := store.Create("app", []byte(`{"user":"ada"}`), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	a := app.New()
	a.GET("/me", func(c *app.Ctx) error {
		if c.Session == nil {
			c.Status(401)
			return c.Text("anonymous")
		}
		return c.Send(c.Session)
	})
	r := newRuntime(t, a, store, Config{AutoRotation: true})

	rec, body := r.Handle(context.Background(), protocol.RequestRecord{
		Method: "GET", Path: "/me", PeerIP: "1.1.1.1",
		Headers: map[string][]string{"X-Session-Token": {token}},
	}, nil)
	if rec.Status != 200 {
		t.Fatalf("status = %d (%s)", rec.Status, body)
	}
	newTok := http.Header(rec.Headers).Get("X-Session-Token")
	if newTok == "" || newTok == token {
		t.Fatalf("auto-rotation did not issue a new token")
	}

	// The new token works.
	rec, _ = r.Handle(context.Background(), protocol.RequestRecord{
		Method: "GET", Path: "/me", PeerIP: "1.1.1.1",
		Headers: map[string][]string{"X-Session-Token": {newTok}},
	}, nil)
	if rec.Status != 200 {
		t.Fatalf("rotated token rejected: %d", rec.Status)
	}

	// The old token still reads during grace (absorbs concurrent requests)...
	rec, _ = r.Handle(context.Background(), protocol.RequestRecord{
		Method: "GET", Path: "/me", PeerIP: "1.1.1.1",
		Headers: map[string][]string{"X-Session-Token": {token}},
	}, nil)
	if rec.Status != 200 {
		t.Fatalf("grace token rejected: %d", rec.Status)
	}

	// ...and is refused with 401 after the grace window.
	time.Sleep(700 * time.Millisecond)
	rec, _ = r.Handle(context.Background(), protocol.RequestRecord{
		Method: "GET", Path: "/me", PeerIP: "1.1.1.1",
		Headers: map[string][]string{"X-Session-Token": {token}},
	}, nil)
	if rec.Status != 401 {
		t.Fatalf("post-grace token: status = %d, want 401", rec.Status)
	}
}

func TestUnknownSessionTokenContinuesAnonymous(t *testing.T) {
	store, err := vault.New(vault.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	a := app.New()
	a.GET("/who", func(c *app.Ctx) error {
		if c.Session == nil {
			return c.Text("anonymous")
		}
		return c.Text("known")
	})
	r := newRuntime(t, a, store, Config{})

	rec, body := r.Handle(context.Background(), protocol.RequestRecord{
		Method: "GET", Path: "/who", PeerIP: "1.1.1.1",
		Headers: map[string][]string{"X-Session-Token": {"bogus"}},
	}, nil)
	if rec.Status != 200 || string(body) != "anonymous" {
		t.Fatalf("got %d %q", rec.Status, body)
	}
}
