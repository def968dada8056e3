package ports

import (
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/logging"
)

// Options controls the bind fallback search.
type Options struct {
	Host        string
	Port        int
	Enabled     bool   // try alternates when the preferred port is taken
	MaxAttempts int
	Strategy    string // increment | random | portRange
	PortRange   [2]int
	// KillConflict attempts to terminate the process holding the port
	// before the first retry.
	KillConflict bool
}

// Bind listens on the preferred port, falling back per Options when it is
// in use. Returns the listener and the port actually bound.
func Bind(opts Options) (net.Listener, int, error) {
	log := logging.Component("ports")

	ln, err := listen(opts.Host, opts.Port)
	if err == nil {
		return ln, opts.Port, nil
	}
	if !addrInUse(err) {
		return nil, 0, err
	}

	if opts.KillConflict {
		if killed := killHolder(opts.Port, log); killed {
			time.Sleep(200 * time.Millisecond)
			if ln, err2 := listen(opts.Host, opts.Port); err2 == nil {
				return ln, opts.Port, nil
			}
		}
	}

	if !opts.Enabled {
		return nil, 0, fmt.Errorf("port %d in use: %w", opts.Port, err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		candidate := nextPort(opts, attempt)
		if candidate < 1 || candidate > 65535 {
			continue
		}
		ln, err := listen(opts.Host, candidate)
		if err == nil {
			log.Warn("preferred port in use, switched",
				zap.Int("preferred", opts.Port),
				zap.Int("bound", candidate))
			return ln, candidate, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d in use and %d alternates exhausted", opts.Port, maxAttempts)
}

func listen(host string, port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
}

func nextPort(opts Options, attempt int) int {
	switch opts.Strategy {
	case "random":
		return 1024 + rand.Intn(65535-1024)
	case "portRange":
		lo, hi := opts.PortRange[0], opts.PortRange[1]
		if hi <= lo {
			return 0
		}
		return lo + (attempt-1)%(hi-lo+1)
	default: // increment
		return opts.Port + attempt
	}
}

func addrInUse(err error) bool {
	for {
		if errno, ok := err.(syscall.Errno); ok {
			return errno == syscall.EADDRINUSE
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}

// killHolder finds the process listening on port and sends it TERM.
func killHolder(port int, log *zap.Logger) bool {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return false
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		p, err := process.NewProcess(c.Pid)
		if err != nil {
			return false
		}
		name, _ := p.Name()
		log.Warn("terminating port conflict holder",
			zap.Int("port", port),
			zap.Int32("pid", c.Pid),
			zap.String("name", name))
		if err := p.Terminate(); err != nil {
			return false
		}
		return true
	}
	return false
}
