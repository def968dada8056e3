package router

import (
	"errors"
	"reflect"
	"testing"
)

func mustAdd(t *testing.T, tr *Tree[string], method, pattern, h string) {
	t.Helper()
	if err := tr.Add(method, pattern, h); err != nil {
		t.Fatalf("Add(%s %s): %v", method, pattern, err)
	}
}

func TestLookupPrecedence(t *testing.T) {
	tr := New[string]()
	mustAdd(t, tr, "GET", "/users/me", "static")
	mustAdd(t, tr, "GET", "/users/:id", "param")
	mustAdd(t, tr, "GET", "/users/*", "wild")
	mustAdd(t, tr, "GET", "/users/**", "multi")

	tests := []struct {
		path    string
		handler string
		params  map[string]string
	}{
		{"/users/me", "static", map[string]string{}},
		{"/users/42", "param", map[string]string{"id": "42"}},
		{"/users/42/posts", "multi", map[string]string{"**": "42/posts"}},
		{"/users/a/b/c", "multi", map[string]string{"**": "a/b/c"}},
	}

	for _, tt := range tests {
		m, v := tr.Lookup("GET", tt.path)
		if v != Found {
			t.Errorf("Lookup(%s): verdict %v, want Found", tt.path, v)
			continue
		}
		if m.Handler != tt.handler {
			t.Errorf("Lookup(%s) = %s, want %s", tt.path, m.Handler, tt.handler)
		}
		if len(tt.params) > 0 && !reflect.DeepEqual(m.Params, tt.params) {
			t.Errorf("Lookup(%s) params = %v, want %v", tt.path, m.Params, tt.params)
		}
	}
}

func TestStaticDeadEndBacktracksToParam(t *testing.T) {
	tr := New[string]()
	// Static prefix exists but dead-ends for this depth; matching must
	// backtrack into the parameter branch.
	mustAdd(t, tr, "GET", "/files/special/meta", "deep-static")
	mustAdd(t, tr, "GET", "/files/:name", "param")

	m, v := tr.Lookup("GET", "/files/special")
	if v != Found || m.Handler != "param" {
		t.Fatalf("expected backtrack into param branch, got %v %q", v, m.Handler)
	}
	if m.Params["name"] != "special" {
		t.Errorf("param binding = %q, want %q", m.Params["name"], "special")
	}
}

func TestStaticRefinementNeverFallsThrough(t *testing.T) {
	tr := New[string]()
	mustAdd(t, tr, "GET", "/api/v1/health", "exact")
	mustAdd(t, tr, "GET", "/api/**", "catchall")

	m, v := tr.Lookup("GET", "/api/v1/health")
	if v != Found || m.Handler != "exact" {
		t.Fatalf("static refinement dispatched to %q", m.Handler)
	}
	m, _ = tr.Lookup("GET", "/api/v2/other")
	if m.Handler != "catchall" {
		t.Fatalf("non-refined path dispatched to %q", m.Handler)
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	tr := New[string]()
	mustAdd(t, tr, "GET", "/things", "list")
	mustAdd(t, tr, "POST", "/things", "create")

	if _, v := tr.Lookup("GET", "/nothing"); v != NotFound {
		t.Errorf("expected NotFound, got %v", v)
	}

	m, v := tr.Lookup("DELETE", "/things")
	if v != MethodNotAllowed {
		t.Fatalf("expected MethodNotAllowed, got %v", v)
	}
	if !reflect.DeepEqual(m.Allow, []string{"GET", "POST"}) {
		t.Errorf("Allow = %v, want [GET POST]", m.Allow)
	}
}

func TestDuplicateRoute(t *testing.T) {
	tr := New[string]()
	mustAdd(t, tr, "GET", "/a/:id", "one")
	if err := tr.Add("GET", "/a/:id", "two"); !errors.Is(err, ErrDuplicateRoute) {
		t.Fatalf("expected ErrDuplicateRoute, got %v", err)
	}
	// Same pattern, different method is fine.
	if err := tr.Add("PUT", "/a/:id", "three"); err != nil {
		t.Fatalf("different method rejected: %v", err)
	}
}

func TestBadPatterns(t *testing.T) {
	tr := New[string]()
	if err := tr.Add("GET", "/a/**/b", "x"); !errors.Is(err, ErrBadPattern) {
		t.Errorf("non-terminal **: expected ErrBadPattern, got %v", err)
	}
	if err := tr.Add("GET", "/a/:", "x"); !errors.Is(err, ErrBadPattern) {
		t.Errorf("unnamed param: expected ErrBadPattern, got %v", err)
	}
	mustAdd(t, tr, "GET", "/b/:id", "x")
	if err := tr.Add("GET", "/b/:other/y", "x"); !errors.Is(err, ErrBadPattern) {
		t.Errorf("conflicting param names: expected ErrBadPattern, got %v", err)
	}
}

func TestMultiWildcardMatchesEmptyRemainder(t *testing.T) {
	tr := New[string]()
	mustAdd(t, tr, "GET", "/static/**", "files")

	m, v := tr.Lookup("GET", "/static")
	if v != Found || m.Handler != "files" {
		t.Fatalf("empty remainder: %v %q", v, m.Handler)
	}
	if m.Params["**"] != "" {
		t.Errorf("params[**] = %q, want empty", m.Params["**"])
	}
}

func TestMount(t *testing.T) {
	sub := New[string]()
	mustAdd(t, sub, "GET", "/profile", "profile")
	mustAdd(t, sub, "GET", "/settings/:key", "setting")

	tr := New[string]()
	mustAdd(t, tr, "GET", "/health", "health")
	if err := tr.Mount("/account", sub, func(h string) string { return "wrapped:" + h }); err != nil {
		t.Fatal(err)
	}

	m, v := tr.Lookup("GET", "/account/profile")
	if v != Found || m.Handler != "wrapped:profile" {
		t.Fatalf("mounted lookup: %v %q", v, m.Handler)
	}
	m, _ = tr.Lookup("GET", "/account/settings/theme")
	if m.Handler != "wrapped:setting" || m.Params["key"] != "theme" {
		t.Fatalf("mounted param lookup: %q %v", m.Handler, m.Params)
	}
}

func TestMountEquivalentPrefixes(t *testing.T) {
	// Two mount shapes composing to the same combined prefix define the
	// same routing relation.
	inner := New[string]()
	mustAdd(t, inner, "GET", "/x", "h")

	mid := New[string]()
	if err := mid.Mount("/b", inner, nil); err != nil {
		t.Fatal(err)
	}
	t1 := New[string]()
	if err := t1.Mount("/a", mid, nil); err != nil {
		t.Fatal(err)
	}

	t2 := New[string]()
	if err := t2.Mount("/a/b", inner, nil); err != nil {
		t.Fatal(err)
	}

	for _, tr := range []*Tree[string]{t1, t2} {
		m, v := tr.Lookup("GET", "/a/b/x")
		if v != Found || m.Handler != "h" {
			t.Fatalf("combined prefix lookup: %v %q", v, m.Handler)
		}
	}
}

func TestTrailingSlashInsensitive(t *testing.T) {
	tr := New[string]()
	mustAdd(t, tr, "GET", "/a/b", "h")
	for _, p := range []string{"/a/b", "/a/b/", "a/b"} {
		if m, v := tr.Lookup("GET", p); v != Found || m.Handler != "h" {
			t.Errorf("Lookup(%q): %v %q", p, v, m.Handler)
		}
	}
}
