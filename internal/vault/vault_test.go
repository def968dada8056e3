package vault

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestCreateReadDestroy(t *testing.T) {
	s := newTestStore(t, Config{})

	token, err := s.Create("app", []byte(`{"user":42}`), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	plain, err := s.Read(token)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, []byte(`{"user":42}`)) {
		t.Errorf("payload mismatch: %q", plain)
	}

	if err := s.Destroy(token); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(token); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after destroy, got %v", err)
	}
}

func TestReadUnknownToken(t *testing.T) {
	s := newTestStore(t, Config{})

	if _, err := s.Read("not-a-token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("garbage token: expected ErrNotFound, got %v", err)
	}
	// Well-formed but never issued.
	other := newTestStore(t, Config{})
	tok, _ := other.Create("app", []byte("x"), time.Minute)
	if _, err := s.Read(tok); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign token: expected ErrNotFound, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	s := newTestStore(t, Config{SweepEvery: 10 * time.Millisecond})

	token, err := s.Create("app", []byte("x"), 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	_, err = s.Read(token)
	if !errors.Is(err, ErrExpired) && !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrExpired or ErrNotFound after TTL, got %v", err)
	}
}

func TestCapacity(t *testing.T) {
	s := newTestStore(t, Config{Capacity: 2})

	if _, err := s.Create("app", []byte("a"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("app", []byte("b"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("app", []byte("c"), time.Minute); !errors.Is(err, ErrVaultFull) {
		t.Fatalf("expected ErrVaultFull, got %v", err)
	}
}

func TestRotateGraceWindow(t *testing.T) {
	s := newTestStore(t, Config{GracePeriod: 80 * time.Millisecond, SweepEvery: 10 * time.Millisecond})

	t1, err := s.Create("app", []byte("payload"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := s.Rotate(t1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if t2 == t1 {
		t.Fatal("rotation returned the same token")
	}

	// Old token reads the original payload during grace.
	plain, err := s.Read(t1)
	if err != nil {
		t.Fatalf("grace read: %v", err)
	}
	if !bytes.Equal(plain, []byte("payload")) {
		t.Errorf("grace read payload mismatch: %q", plain)
	}

	// New token works.
	if _, err := s.Read(t2); err != nil {
		t.Fatalf("successor read: %v", err)
	}

	// After grace, old token reads ErrRotated.
	time.Sleep(150 * time.Millisecond)
	if _, err := s.Read(t1); !errors.Is(err, ErrRotated) {
		t.Errorf("post-grace read: expected ErrRotated, got %v", err)
	}
	if _, err := s.Read(t2); err != nil {
		t.Errorf("successor still readable: %v", err)
	}
}

func TestRotateWithNewPayload(t *testing.T) {
	s := newTestStore(t, Config{})

	t1, _ := s.Create("app", []byte("old"), time.Minute)
	t2, err := s.Rotate(t1, []byte("new"))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := s.Read(t2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, []byte("new")) {
		t.Errorf("rotated payload = %q, want %q", plain, "new")
	}
	// Grace alias still serves the pre-rotation payload.
	plain, err = s.Read(t1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, []byte("old")) {
		t.Errorf("grace payload = %q, want %q", plain, "old")
	}
}

func TestDoubleRotationRefused(t *testing.T) {
	s := newTestStore(t, Config{GracePeriod: time.Second})

	t1, _ := s.Create("app", []byte("x"), time.Minute)
	if _, err := s.Rotate(t1, nil); err != nil {
		t.Fatal(err)
	}
	// Rotating the grace token is refused.
	if _, err := s.Rotate(t1, nil); !errors.Is(err, ErrRotated) {
		t.Errorf("expected ErrRotated on double rotation, got %v", err)
	}
}

func TestPersistRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xems.snap")
	s := newTestStore(t, Config{})

	token, err := s.Create("app", []byte("persisted"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Persist(path, "secret", "host-1"); err != nil {
		t.Fatal(err)
	}

	restored, err := Restore(path, "secret", "host-1", Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()

	plain, err := restored.Read(token)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, []byte("persisted")) {
		t.Errorf("restored payload = %q", plain)
	}
}

func TestRestoreWrongSecretOrHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xems.snap")
	s := newTestStore(t, Config{})
	if _, err := s.Create("app", []byte("x"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Persist(path, "secret", "host-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := Restore(path, "wrong", "host-1", Config{}); !errors.Is(err, ErrSnapshotMismatch) {
		t.Errorf("wrong secret: expected ErrSnapshotMismatch, got %v", err)
	}
	if _, err := Restore(path, "secret", "host-2", Config{}); !errors.Is(err, ErrSnapshotMismatch) {
		t.Errorf("wrong host: expected ErrSnapshotMismatch, got %v", err)
	}
}

func TestIPCServerClient(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "vault.sock")
	s := newTestStore(t, Config{})

	srv, err := NewServer(s, sock)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Close()

	c, err := NewClient(sock, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	token, err := c.Create("app", []byte("over-ipc"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := c.Read(token)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, []byte("over-ipc")) {
		t.Errorf("ipc read payload = %q", plain)
	}

	t2, err := c.Rotate(token, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Read(t2); err != nil {
		t.Fatal(err)
	}
	if err := c.Destroy(t2); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Read(t2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after destroy over ipc, got %v", err)
	}
}
