package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/bridge"
	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/protocol"
)

// State is a worker's lifecycle state.
type State string

const (
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateDraining    State = "draining"
	StateDead        State = "dead"
	StateQuarantined State = "quarantined"
)

// ErrNoWorkers is returned when no ready worker can take a request.
var ErrNoWorkers = errors.New("cluster: no ready workers")

// Channel is the request path into one worker. bridge.Bridge implements it;
// tests substitute fakes.
type Channel interface {
	Do(ctx context.Context, rec protocol.RequestRecord, body []byte) (*bridge.Response, error)
	WaitReady(ctx context.Context) error
	InFlight() int64
	Drain()
	Close()
}

// Config tunes the supervisor.
type Config struct {
	Workers         int    // resolved count; Auto resolved by caller
	Strategy        string // round-robin | least-loaded | sticky
	Command         string // worker binary; empty re-execs this binary
	Args            []string
	ExtraEnv        []string // appended to each worker's environment
	SocketDir       string
	StartupDeadline time.Duration
	RestartDelay    time.Duration
	RestartWindow   time.Duration
	MaxRestarts     int
	AutoRespawn     bool
	Heartbeat       time.Duration
	Resources       Resources

	// OnAllQuarantined fires once when every worker is quarantined; the
	// server uses it to initiate graceful shutdown (exit 4).
	OnAllQuarantined func()
	// OnRestart observes respawns (metrics).
	OnRestart func(workerID string)
}

// ResolveWorkerCount maps the configured count ("auto" → one per CPU).
func ResolveWorkerCount(auto bool, count int) int {
	if auto {
		return runtime.NumCPU()
	}
	if count < 1 {
		return 1
	}
	return count
}

type slot struct {
	mu         sync.Mutex
	id         string
	state      State
	cmd        *exec.Cmd
	channel    Channel
	socketPath string
	exits      []time.Time // restart history inside the window
	pid        int
}

func (s *slot) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *slot) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Supervisor owns worker process lifecycle and request scheduling.
type Supervisor struct {
	cfg   Config
	slots []*slot
	log   *zap.Logger

	rr       atomic.Uint64
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown atomic.Bool

	// spawn and dial are swappable for tests.
	spawn func(s *slot) (*exec.Cmd, error)
	dial  func(socketPath string, onDead func(error)) (Channel, error)
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.StartupDeadline <= 0 {
		cfg.StartupDeadline = 30 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = time.Minute
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sv := &Supervisor{
		cfg:    cfg,
		log:    logging.Component("cluster"),
		ctx:    ctx,
		cancel: cancel,
	}
	sv.spawn = sv.spawnProcess
	sv.dial = func(socketPath string, onDead func(error)) (Channel, error) {
		return bridge.Dial(bridge.Config{
			SocketPath:        socketPath,
			DialTimeout:       cfg.StartupDeadline,
			HeartbeatInterval: cfg.Heartbeat,
		}, onDead)
	}

	for i := 0; i < cfg.Workers; i++ {
		sv.slots = append(sv.slots, &slot{
			id:         fmt.Sprintf("w%d", i+1),
			state:      StateStarting,
			socketPath: filepath.Join(cfg.SocketDir, fmt.Sprintf("worker-%d.sock", i+1)),
		})
	}
	return sv
}

// Start spawns all workers and waits for their ready handshakes.
func (sv *Supervisor) Start() error {
	if err := os.MkdirAll(sv.cfg.SocketDir, 0o700); err != nil {
		return fmt.Errorf("cluster: socket dir: %w", err)
	}
	for _, s := range sv.slots {
		if err := sv.launch(s); err != nil {
			return err
		}
	}
	if sv.cfg.Resources.sampled() {
		sv.wg.Add(1)
		go sv.resourceLoop()
	}
	return nil
}

// launch spawns one worker into a slot and supervises it.
func (sv *Supervisor) launch(s *slot) error {
	s.setState(StateStarting)

	cmd, err := sv.spawn(s)
	if err != nil {
		return fmt.Errorf("cluster: spawn %s: %w", s.id, err)
	}

	ch, err := sv.dial(s.socketPath, func(error) { sv.onWorkerDead(s) })
	if err != nil {
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		sv.onSpawnFailure(s)
		return fmt.Errorf("cluster: connect %s: %w", s.id, err)
	}

	readyCtx, cancel := context.WithTimeout(sv.ctx, sv.cfg.StartupDeadline)
	err = ch.WaitReady(readyCtx)
	cancel()
	if err != nil {
		ch.Close()
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		sv.onSpawnFailure(s)
		return fmt.Errorf("cluster: worker %s not ready within %v: %w", s.id, sv.cfg.StartupDeadline, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.channel = ch
	s.state = StateReady
	if cmd != nil && cmd.Process != nil {
		s.pid = cmd.Process.Pid
	}
	s.mu.Unlock()

	sv.log.Info("worker ready", zap.String("worker", s.id), zap.Int("pid", s.pid))

	if cmd != nil {
		sv.wg.Add(1)
		go func() {
			defer sv.wg.Done()
			cmd.Wait()
			sv.onWorkerDead(s)
		}()
	}
	return nil
}

func (sv *Supervisor) spawnProcess(s *slot) (*exec.Cmd, error) {
	command := sv.cfg.Command
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		command = exe
	}
	cmd := exec.Command(command, sv.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"FERRY_WORKER_ID="+s.id,
		"FERRY_WORKER_SOCKET="+s.socketPath,
		fmt.Sprintf("FERRY_WORKER_NICE=%d", sv.cfg.Resources.Priority),
		fmt.Sprintf("FERRY_WORKER_FD_LIMIT=%d", sv.cfg.Resources.FileDescriptorLimit),
	)
	cmd.Env = append(cmd.Env, sv.cfg.ExtraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// onWorkerDead handles an exited or unresponsive worker: record the exit,
// quarantine on a restart storm, otherwise respawn after the delay.
func (sv *Supervisor) onWorkerDead(s *slot) {
	if sv.shutdown.Load() {
		return
	}

	s.mu.Lock()
	if s.state == StateDead || s.state == StateQuarantined {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	if s.channel != nil {
		s.channel.Close()
	}
	now := time.Now()
	s.exits = append(s.exits, now)
	s.exits = trimWindow(s.exits, now.Add(-sv.cfg.RestartWindow))
	// The Nth exit inside the window is the storm, not the N+1th.
	storm := len(s.exits) >= sv.cfg.MaxRestarts
	s.mu.Unlock()

	sv.log.Warn("worker died", zap.String("worker", s.id), zap.Bool("storm", storm))

	if !sv.cfg.AutoRespawn {
		return
	}
	if storm {
		sv.quarantine(s)
		return
	}

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		select {
		case <-sv.ctx.Done():
			return
		case <-time.After(sv.cfg.RestartDelay):
		}
		if sv.cfg.OnRestart != nil {
			sv.cfg.OnRestart(s.id)
		}
		if err := sv.launch(s); err != nil {
			sv.log.Error("respawn failed", zap.String("worker", s.id), zap.Error(err))
			sv.onSpawnFailure(s)
		}
	}()
}

// onSpawnFailure counts a failed launch like an exit, with quarantine after
// repeated failures and exponential backoff between retries.
func (sv *Supervisor) onSpawnFailure(s *slot) {
	if sv.shutdown.Load() {
		return
	}
	s.mu.Lock()
	now := time.Now()
	s.exits = append(s.exits, now)
	s.exits = trimWindow(s.exits, now.Add(-sv.cfg.RestartWindow))
	storm := len(s.exits) >= sv.cfg.MaxRestarts
	attempts := len(s.exits)
	s.state = StateDead
	s.mu.Unlock()

	if storm {
		sv.quarantine(s)
		return
	}
	if !sv.cfg.AutoRespawn {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = sv.cfg.RestartDelay
	var wait time.Duration = bo.InitialInterval
	for i := 1; i < attempts; i++ {
		wait = bo.NextBackOff()
	}

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		select {
		case <-sv.ctx.Done():
			return
		case <-time.After(wait):
		}
		if sv.cfg.OnRestart != nil {
			sv.cfg.OnRestart(s.id)
		}
		if err := sv.launch(s); err != nil {
			sv.log.Error("respawn failed", zap.String("worker", s.id), zap.Error(err))
			sv.onSpawnFailure(s)
		}
	}()
}

func (sv *Supervisor) quarantine(s *slot) {
	s.setState(StateQuarantined)
	sv.log.Error("worker quarantined after restart storm", zap.String("worker", s.id))

	for _, other := range sv.slots {
		if other.getState() != StateQuarantined {
			return
		}
	}
	sv.log.Error("all workers quarantined; initiating shutdown")
	if sv.cfg.OnAllQuarantined != nil {
		go sv.cfg.OnAllQuarantined()
	}
}

func trimWindow(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Pick selects a ready worker's channel by the configured strategy.
// stickyKey is the session token when present, else the client IP.
func (sv *Supervisor) Pick(clientIP, stickyKey string) (Channel, error) {
	ready := make([]*slot, 0, len(sv.slots))
	for _, s := range sv.slots {
		s.mu.Lock()
		if s.state == StateReady && s.channel != nil {
			ready = append(ready, s)
		}
		s.mu.Unlock()
	}
	if len(ready) == 0 {
		return nil, ErrNoWorkers
	}

	switch sv.cfg.Strategy {
	case "least-loaded":
		best := ready[0]
		bestLoad := best.channel.InFlight()
		for _, s := range ready[1:] {
			if load := s.channel.InFlight(); load < bestLoad {
				best, bestLoad = s, load
			}
		}
		return best.channel, nil
	case "sticky":
		key := stickyKey
		if key == "" {
			key = clientIP
		}
		return ready[xxhash.Sum64String(key)%uint64(len(ready))].channel, nil
	default: // round-robin
		idx := sv.rr.Add(1)
		return ready[(idx-1)%uint64(len(ready))].channel, nil
	}
}

// ReadyCount reports workers in the ready state.
func (sv *Supervisor) ReadyCount() int {
	n := 0
	for _, s := range sv.slots {
		if s.getState() == StateReady {
			n++
		}
	}
	return n
}

// WorkerStatus is one row of the admin snapshot.
type WorkerStatus struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	PID      int    `json:"pid,omitempty"`
	InFlight int64  `json:"in_flight"`
	Restarts int    `json:"restarts_in_window"`
}

// Status snapshots every worker.
func (sv *Supervisor) Status() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(sv.slots))
	for _, s := range sv.slots {
		s.mu.Lock()
		st := WorkerStatus{ID: s.id, State: s.state, PID: s.pid, Restarts: len(s.exits)}
		if s.channel != nil {
			st.InFlight = s.channel.InFlight()
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Shutdown drains workers and reaps processes: DRAIN broadcast, wait for
// in-flight work or the timeout, TERM stragglers, then KILL. Returns nil on
// a clean drain.
func (sv *Supervisor) Shutdown(timeout time.Duration) error {
	sv.shutdown.Store(true)

	for _, s := range sv.slots {
		s.mu.Lock()
		if s.channel != nil {
			s.state = StateDraining
			s.channel.Drain()
		}
		s.mu.Unlock()
	}

	deadline := time.Now().Add(timeout)
	clean := true
	for _, s := range sv.slots {
		s.mu.Lock()
		ch := s.channel
		s.mu.Unlock()
		if ch == nil {
			continue
		}
		for ch.InFlight() > 0 {
			if time.Now().After(deadline) {
				clean = false
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	for _, s := range sv.slots {
		s.mu.Lock()
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Signal(syscall.SIGTERM)
		}
		s.mu.Unlock()
	}
	time.Sleep(100 * time.Millisecond)
	for _, s := range sv.slots {
		s.mu.Lock()
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		if s.channel != nil {
			s.channel.Close()
		}
		s.state = StateDead
		s.mu.Unlock()
	}

	sv.cancel()
	sv.wg.Wait()

	if !clean {
		return fmt.Errorf("cluster: drain timed out after %v", timeout)
	}
	return nil
}
