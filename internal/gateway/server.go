package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/ferry/config"
	"github.com/wudi/ferry/internal/cluster"
	"github.com/wudi/ferry/internal/health"
	"github.com/wudi/ferry/internal/loadbalancer"
	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/metrics"
	"github.com/wudi/ferry/internal/ports"
	"github.com/wudi/ferry/internal/proxy"
	"github.com/wudi/ferry/internal/retry"
	"github.com/wudi/ferry/internal/vault"
	"github.com/wudi/ferry/internal/circuitbreaker"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitBindFailed  = 2
	ExitIPCFailed   = 3
	ExitQuarantine  = 4
)

// Server owns the gateway process: listener, supervisor, vault, admin mux,
// and the shutdown sequence.
type Server struct {
	cfg     *config.Config
	gateway *Gateway
	sup     *cluster.Supervisor
	prox    *proxy.Proxy
	store   *vault.Store
	vaultSrv *vault.Server
	metrics *metrics.Metrics
	httpSrv *http.Server
	adminSrv *http.Server
	ln      net.Listener
	log     *zap.Logger

	quarantined chan struct{}
	shutdownTimeout time.Duration
}

// NewServer assembles the process from a validated config. The config is
// frozen here; later mutation attempts fail.
func NewServer(cfg *config.Config) (*Server, error) {
	cfg.Freeze()

	s := &Server{
		cfg:         cfg,
		metrics:     metrics.New(),
		log:         logging.Component("server"),
		quarantined: make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}

	// Reverse proxy, when upstreams are declared.
	if cfg.Network.Proxy.Enabled {
		upstreams := make([]*loadbalancer.Upstream, 0, len(cfg.Network.Proxy.Upstreams))
		for _, u := range cfg.Network.Proxy.Upstreams {
			upstreams = append(upstreams, &loadbalancer.Upstream{
				URL:            u.URL,
				Weight:         u.Weight,
				MaxConnections: u.MaxConnections,
			})
		}
		rm := cfg.RequestManagement.Resilience
		s.prox = proxy.New(proxy.Config{
			Upstreams:      upstreams,
			Strategy:       cfg.Network.Proxy.LoadBalancing,
			Timeout:        cfg.Network.Proxy.Timeout,
			MaxConnections: cfg.Network.Proxy.MaxConnections,
			HealthCheck: health.Config{
				Path:               cfg.Network.Proxy.HealthCheck.Path,
				Interval:           cfg.Network.Proxy.HealthCheck.Interval,
				Timeout:            cfg.Network.Proxy.HealthCheck.Timeout,
				HealthyThreshold:   cfg.Network.Proxy.HealthCheck.HealthyThreshold,
				UnhealthyThreshold: cfg.Network.Proxy.HealthCheck.UnhealthyThreshold,
			},
			Retry: retry.Config{
				MaxRetries:     retriesOrZero(rm),
				InitialBackoff: rm.RetryDelay,
				RespectBreaker: rm.RetryRespectsBreaker,
			},
			BreakerEnabled: rm.CircuitBreaker.Enabled,
			Breaker: circuitbreaker.Config{
				FailureThreshold: rm.CircuitBreaker.FailureThreshold,
				ResetTimeout:     rm.CircuitBreaker.ResetTimeout,
			},
			MaxIdleConns:   cfg.Network.Connection.ConnectionPool.MaxIdle,
			MaxIdlePerHost: cfg.Network.Connection.ConnectionPool.MaxIdlePerHost,
		})
	}

	// Cluster supervisor.
	workers := cluster.ResolveWorkerCount(cfg.Cluster.Workers.Auto, cfg.Cluster.Workers.Count)
	if !cfg.Cluster.Enabled {
		workers = 1
	}
	s.sup = cluster.New(cluster.Config{
		Workers:         workers,
		Strategy:        cfg.Cluster.Strategy,
		Command:         cfg.Cluster.WorkerCommand,
		SocketDir:       cfg.Cluster.SocketDir,
		StartupDeadline: cfg.Cluster.StartupDeadline,
		RestartDelay:    cfg.Cluster.RestartDelay,
		RestartWindow:   cfg.Cluster.RestartWindow,
		MaxRestarts:     cfg.Cluster.MaxRestarts,
		AutoRespawn:     cfg.Cluster.AutoRespawn,
		ExtraEnv:        workerEnv(cfg),
		Resources: cluster.Resources{
			MaxMemoryMB:         cfg.Cluster.Resources.MaxMemoryMB,
			MaxCPUPct:           cfg.Cluster.Resources.MaxCPUPct,
			Priority:            cfg.Cluster.Resources.Priority,
			FileDescriptorLimit: cfg.Cluster.Resources.FileDescriptorLimit,
			CheckInterval:       cfg.Cluster.Resources.CheckInterval,
			HardLimits:          cfg.Cluster.Resources.Enforcement.HardLimits,
			KillGrace:           cfg.Cluster.Resources.Enforcement.KillGrace,
		},
		OnAllQuarantined: func() {
			select {
			case <-s.quarantined:
			default:
				close(s.quarantined)
			}
		},
		OnRestart: func(string) { s.metrics.WorkerRestarts.Inc() },
	})

	s.gateway = New(cfg, s.sup, s.prox, s.metrics)
	if s.prox != nil {
		s.prox.SetQuality(s.gateway.Quality())
	}
	s.gateway.OnRateLimit = func(e RateLimitEvent) {
		s.log.Info("rate limit exceeded",
			zap.String("key", e.Key),
			zap.Int("limit", e.Limit),
			zap.Time("reset", e.Reset))
	}

	// Session vault, in-process with an IPC surface for the workers.
	if cfg.XEMS.Enable {
		store, err := s.openVault()
		if err != nil {
			return nil, fmt.Errorf("vault init: %w", err)
		}
		s.store = store
	}

	return s, nil
}

// workerEnv derives the spawn environment the workers need to reach the
// vault and honor the session settings.
func workerEnv(cfg *config.Config) []string {
	var env []string
	if cfg.XEMS.Enable && cfg.XEMS.SocketPath != "" {
		env = append(env, "FERRY_VAULT_SOCKET="+cfg.XEMS.SocketPath)
	}
	if cfg.XEMS.AutoRotation {
		env = append(env, "FERRY_SESSION_ROTATE=1")
	}
	if len(cfg.PluginPermissions) > 0 {
		if raw, err := json.Marshal(cfg.PluginPermissions); err == nil {
			env = append(env, "FERRY_PLUGIN_PERMISSIONS="+string(raw))
		}
	}
	env = append(env, "FERRY_LOG_LEVEL="+cfg.Logging.Level)
	return env
}

func retriesOrZero(rm config.ResilienceConfig) int {
	if !rm.RetryEnabled {
		return 0
	}
	return rm.MaxRetries
}

func (s *Server) openVault() (*vault.Store, error) {
	x := s.cfg.XEMS
	vcfg := vault.Config{
		Capacity:    x.Capacity,
		DefaultTTL:  x.TTL,
		GracePeriod: x.GracePeriod,
	}

	if x.Persistence.Enabled {
		if st, err := vault.Restore(x.Persistence.Path, x.Persistence.Secret, hostFingerprint(), vcfg); err == nil {
			s.log.Info("vault restored from snapshot", zap.Int("sessions", st.Len()))
			return st, nil
		}
		// Unreadable snapshot: discard and start empty.
		s.log.Warn("vault snapshot unreadable, starting empty")
	}
	return vault.New(vcfg)
}

func hostFingerprint() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return host
}

// Run starts everything and blocks until shutdown. The return value is the
// process exit code.
func (s *Server) Run() int {
	// Bind first: nothing else should start if the port is lost.
	ln, boundPort, err := ports.Bind(ports.Options{
		Host:         s.cfg.Server.Host,
		Port:         s.cfg.Server.Port,
		Enabled:      s.cfg.Server.AutoPortSwitch.Enabled,
		MaxAttempts:  s.cfg.Server.AutoPortSwitch.MaxAttempts,
		Strategy:     s.cfg.Server.AutoPortSwitch.Strategy,
		PortRange:    s.cfg.Server.AutoPortSwitch.PortRange,
		KillConflict: s.cfg.Server.AutoKillConflict,
	})
	if err != nil {
		s.log.Error("bind failed", zap.Error(err))
		return ExitBindFailed
	}
	s.ln = ln

	// Vault IPC surface.
	if s.store != nil && s.cfg.XEMS.SocketPath != "" {
		vaultSrv, err := vault.NewServer(s.store, s.cfg.XEMS.SocketPath)
		if err != nil {
			s.log.Error("vault socket failed", zap.Error(err))
			return ExitIPCFailed
		}
		s.vaultSrv = vaultSrv
		go vaultSrv.Serve()
	}

	// Workers.
	if err := s.sup.Start(); err != nil {
		s.log.Error("cluster start failed", zap.Error(err))
		return ExitIPCFailed
	}
	s.metrics.WorkersReady.Set(float64(s.sup.ReadyCount()))

	conn := s.cfg.Network.Connection
	s.httpSrv = &http.Server{
		Handler:        s.gateway.Handler(),
		ReadTimeout:    conn.ReadTimeout,
		WriteTimeout:   conn.WriteTimeout,
		IdleTimeout:    conn.KeepAlive.IdleTimeout,
		MaxHeaderBytes: conn.MaxHeaderBytes,
	}
	s.httpSrv.SetKeepAlivesEnabled(conn.KeepAlive.Enabled)

	if s.cfg.Admin.Enabled {
		s.adminSrv = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Admin.Port),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("admin server failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()

	s.log.Info("listening",
		zap.String("host", s.cfg.Server.Host),
		zap.Int("port", boundPort),
		zap.Int("workers", s.sup.ReadyCount()))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		s.log.Info("signal received, draining", zap.String("signal", sig.String()))
		return s.gracefulShutdown(ExitOK)
	case <-s.quarantined:
		s.log.Error("all workers quarantined")
		return s.gracefulShutdown(ExitQuarantine)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("serve failed", zap.Error(err))
			return s.gracefulShutdown(1)
		}
		return ExitOK
	}
}

// gracefulShutdown: stop accepting, drain workers, snapshot the vault,
// release everything. preferredExit is returned on a clean drain.
func (s *Server) gracefulShutdown(preferredExit int) int {
	s.gateway.StartDrain()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
	if s.adminSrv != nil {
		s.adminSrv.Shutdown(ctx)
	}

	clean := true
	if err := s.sup.Shutdown(s.shutdownTimeout); err != nil {
		s.log.Warn("drain incomplete", zap.Error(err))
		clean = false
	}

	if s.prox != nil {
		s.prox.Stop()
	}

	if s.store != nil {
		if p := s.cfg.XEMS.Persistence; p.Enabled {
			if err := s.store.Persist(p.Path, p.Secret, hostFingerprint()); err != nil {
				s.log.Error("vault snapshot failed", zap.Error(err))
			}
		}
		if s.vaultSrv != nil {
			s.vaultSrv.Close()
		}
		s.store.Close()
	}

	logging.Sync()
	if !clean && preferredExit == ExitOK {
		return 1
	}
	return preferredExit
}

// adminHandler serves the operational surface: metrics, health, breakers,
// workers.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"workersReady": s.sup.ReadyCount(),
			"workers":      s.sup.Status(),
			"queueDepth":   s.gateway.Admission().QueueDepth(),
			"quality":      s.gateway.Quality().Snapshot(),
		}
		if s.prox != nil {
			out["upstreams"] = s.prox.Balancer().Upstreams()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/breakers", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"routes": s.gateway.Breakers()}
		if s.prox != nil {
			out["upstreams"] = s.prox.Breakers()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
	return mux
}
