package cluster

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/ferry/internal/bridge"
	"github.com/wudi/ferry/internal/protocol"
)

// fakeChannel is an in-memory Channel standing in for a worker bridge.
type fakeChannel struct {
	id       string
	inFlight atomic.Int64
	draining atomic.Bool
	closed   atomic.Bool
}

func (f *fakeChannel) Do(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error) {
	return &bridge.Response{Status: 200, Headers: map[string][]string{"X-Worker": {f.id}}}, nil
}
func (f *fakeChannel) WaitReady(ctx context.Context) error { return nil }
func (f *fakeChannel) InFlight() int64                     { return f.inFlight.Load() }
func (f *fakeChannel) Drain()                              { f.draining.Store(true) }
func (f *fakeChannel) Close()                              { f.closed.Store(true) }

// newFakeSupervisor wires a Supervisor whose spawn/dial produce fakes.
func newFakeSupervisor(t *testing.T, cfg Config) (*Supervisor, *sync.Map) {
	t.Helper()
	sv := New(cfg)
	channels := &sync.Map{} // socketPath → *fakeChannel
	sv.spawn = func(s *slot) (*exec.Cmd, error) { return nil, nil }
	sv.dial = func(socketPath string, onDead func(error)) (Channel, error) {
		ch := &fakeChannel{id: socketPath}
		channels.Store(socketPath, ch)
		return ch, nil
	}
	if err := sv.Start(); err != nil {
		t.Fatal(err)
	}
	return sv, channels
}

func TestRoundRobinScheduling(t *testing.T) {
	sv, _ := newFakeSupervisor(t, Config{Workers: 2, Strategy: "round-robin", SocketDir: t.TempDir()})
	defer sv.Shutdown(time.Second)

	first, err := sv.Pick("1.2.3.4", "")
	if err != nil {
		t.Fatal(err)
	}
	second, _ := sv.Pick("1.2.3.4", "")
	third, _ := sv.Pick("1.2.3.4", "")
	if first == second {
		t.Error("round-robin returned the same worker twice in a row")
	}
	if first != third {
		t.Error("round-robin did not wrap around")
	}
}

func TestLeastLoadedScheduling(t *testing.T) {
	sv, channels := newFakeSupervisor(t, Config{Workers: 2, Strategy: "least-loaded", SocketDir: t.TempDir()})
	defer sv.Shutdown(time.Second)

	// Load up the first channel.
	var busy *fakeChannel
	channels.Range(func(_, v any) bool {
		busy = v.(*fakeChannel)
		return false
	})
	busy.inFlight.Store(10)

	picked, err := sv.Pick("1.2.3.4", "")
	if err != nil {
		t.Fatal(err)
	}
	if picked.(*fakeChannel) == busy {
		t.Error("least-loaded picked the busy worker")
	}
}

func TestStickyScheduling(t *testing.T) {
	sv, _ := newFakeSupervisor(t, Config{Workers: 3, Strategy: "sticky", SocketDir: t.TempDir()})
	defer sv.Shutdown(time.Second)

	first, err := sv.Pick("10.0.0.1", "session-abc")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		ch, _ := sv.Pick("10.9.9.9", "session-abc") // same key, different IP
		if ch != first {
			t.Fatal("sticky scheduling moved a pinned session")
		}
	}
}

func TestNoReadyWorkers(t *testing.T) {
	sv, _ := newFakeSupervisor(t, Config{Workers: 1, SocketDir: t.TempDir()})
	sv.Shutdown(time.Second)
	if _, err := sv.Pick("1.2.3.4", ""); !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
}

func TestDeadWorkerRespawns(t *testing.T) {
	var restarts atomic.Int64
	sv, _ := newFakeSupervisor(t, Config{
		Workers:      1,
		SocketDir:    t.TempDir(),
		AutoRespawn:  true,
		RestartDelay: 10 * time.Millisecond,
		MaxRestarts:  5,
		OnRestart:    func(string) { restarts.Add(1) },
	})
	defer sv.Shutdown(time.Second)

	sv.onWorkerDead(sv.slots[0])

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sv.ReadyCount() == 1 && restarts.Load() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker never respawned (ready=%d restarts=%d)", sv.ReadyCount(), restarts.Load())
}

func TestRestartStormQuarantines(t *testing.T) {
	quarantined := make(chan struct{}, 1)
	sv, _ := newFakeSupervisor(t, Config{
		Workers:          1,
		SocketDir:        t.TempDir(),
		AutoRespawn:      true,
		RestartDelay:     time.Millisecond,
		MaxRestarts:      3,
		RestartWindow:    time.Minute,
		OnAllQuarantined: func() { quarantined <- struct{}{} },
	})
	defer sv.Shutdown(time.Second)

	waitState := func(want State) bool {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if sv.slots[0].getState() == want {
				return true
			}
			time.Sleep(2 * time.Millisecond)
		}
		return false
	}

	// The first MaxRestarts-1 exits inside the window respawn the worker.
	for i := 0; i < 2; i++ {
		sv.onWorkerDead(sv.slots[0])
		if st := sv.slots[0].getState(); st == StateQuarantined {
			t.Fatalf("quarantined after %d exits, want respawn until exit %d", i+1, 3)
		}
		if !waitState(StateReady) {
			t.Fatalf("worker not respawned after exit %d (state %s)", i+1, sv.slots[0].getState())
		}
	}

	// The MaxRestarts-th exit is the storm: quarantine, no respawn.
	sv.onWorkerDead(sv.slots[0])
	if !waitState(StateQuarantined) {
		t.Fatalf("worker state = %s after exit 3, want quarantined", sv.slots[0].getState())
	}
	select {
	case <-quarantined:
	case <-time.After(time.Second):
		t.Fatal("OnAllQuarantined never fired")
	}
}

func TestShutdownDrainsChannels(t *testing.T) {
	sv, channels := newFakeSupervisor(t, Config{Workers: 2, SocketDir: t.TempDir()})

	if err := sv.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	channels.Range(func(_, v any) bool {
		ch := v.(*fakeChannel)
		if !ch.draining.Load() {
			t.Error("channel never received DRAIN")
		}
		if !ch.closed.Load() {
			t.Error("channel never closed")
		}
		return true
	})
}
