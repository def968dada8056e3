package cluster

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Resources bounds one worker process. Enforcement is sampled, not
// preemptive: the supervisor reads OS counters each CheckInterval.
type Resources struct {
	MaxMemoryMB         int
	MaxCPUPct           float64
	Priority            int // nice value, applied by the worker at startup
	FileDescriptorLimit uint64
	CheckInterval       time.Duration
	HardLimits          bool
	KillGrace           time.Duration
}

func (r Resources) sampled() bool {
	return r.CheckInterval > 0 && (r.MaxMemoryMB > 0 || r.MaxCPUPct > 0)
}

func (sv *Supervisor) resourceLoop() {
	defer sv.wg.Done()
	ticker := time.NewTicker(sv.cfg.Resources.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sv.ctx.Done():
			return
		case <-ticker.C:
			for _, s := range sv.slots {
				sv.checkResources(s)
			}
		}
	}
}

func (sv *Supervisor) checkResources(s *slot) {
	s.mu.Lock()
	pid := s.pid
	state := s.state
	s.mu.Unlock()
	if pid == 0 || state != StateReady {
		return
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	res := sv.cfg.Resources
	var overMemory, overCPU bool
	var rssMB float64
	var cpuPct float64

	if res.MaxMemoryMB > 0 {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			rssMB = float64(mi.RSS) / (1 << 20)
			overMemory = rssMB > float64(res.MaxMemoryMB)
		}
	}
	if res.MaxCPUPct > 0 {
		if pct, err := p.CPUPercent(); err == nil {
			cpuPct = pct
			overCPU = pct > res.MaxCPUPct
		}
	}
	if !overMemory && !overCPU {
		return
	}

	sv.log.Warn("worker over resource limit",
		zap.String("worker", s.id),
		zap.Float64("rss_mb", rssMB),
		zap.Float64("cpu_pct", cpuPct),
		zap.Bool("enforcing", res.HardLimits))

	if !res.HardLimits {
		return
	}

	// TERM first; KILL after the grace period if it is still up.
	p.Terminate()
	grace := res.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		select {
		case <-sv.ctx.Done():
			return
		case <-time.After(grace):
		}
		if up, err := process.PidExists(int32(pid)); err == nil && up {
			p.Kill()
		}
	}()
}
