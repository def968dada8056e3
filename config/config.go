package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Config is the full configuration surface. It is mutable until Freeze;
// afterwards every mutation attempt through Set fails.
type Config struct {
	Server            ServerConfig            `yaml:"server"`
	Cluster           ClusterConfig           `yaml:"cluster"`
	RequestManagement RequestManagementConfig `yaml:"requestManagement"`
	Network           NetworkConfig           `yaml:"network"`
	XEMS              XEMSConfig              `yaml:"xems"`
	PluginPermissions []PluginPermission      `yaml:"pluginPermissions"`
	Logging           LoggingConfig           `yaml:"logging"`
	Admin             AdminConfig             `yaml:"admin"`

	frozen atomic.Bool
}

// ServerConfig controls the bind address and port conflict handling.
type ServerConfig struct {
	Host           string               `yaml:"host"`
	Port           int                  `yaml:"port"`
	AutoPortSwitch AutoPortSwitchConfig `yaml:"autoPortSwitch"`
	// AutoKillConflict attempts to terminate the process holding the port
	// before retrying the bind.
	AutoKillConflict bool `yaml:"autoKillConflict"`
	SuppressPoweredBy bool `yaml:"suppressPoweredBy"`
}

// AutoPortSwitchConfig controls the fallback port search.
type AutoPortSwitchConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MaxAttempts int    `yaml:"maxAttempts"`
	Strategy    string `yaml:"strategy"` // increment | random | portRange
	PortRange   [2]int `yaml:"portRange"`
}

// ClusterConfig controls worker processes.
type ClusterConfig struct {
	Enabled       bool            `yaml:"enabled"`
	Workers       WorkerCount     `yaml:"workers"` // number or "auto"
	Strategy      string          `yaml:"strategy"` // round-robin | least-loaded | sticky
	Resources     ResourcesConfig `yaml:"resources"`
	AutoRespawn   bool            `yaml:"autoRespawn"`
	MaxRestarts   int             `yaml:"maxRestarts"`
	RestartWindow time.Duration   `yaml:"restartWindow"`
	RestartDelay  time.Duration   `yaml:"restartDelay"`
	WorkerCommand string          `yaml:"workerCommand"`
	SocketDir     string          `yaml:"socketDir"`
	StartupDeadline time.Duration `yaml:"startupDeadline"`
}

// WorkerCount is a count or the literal "auto" (one per CPU).
type WorkerCount struct {
	Auto  bool
	Count int
}

// UnmarshalYAML accepts 4 or "auto".
func (w *WorkerCount) UnmarshalYAML(unmarshal func(any) error) error {
	var n int
	if err := unmarshal(&n); err == nil {
		w.Count = n
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s != "auto" {
		return fmt.Errorf("cluster.workers: want a number or \"auto\", got %q", s)
	}
	w.Auto = true
	return nil
}

// ResourcesConfig bounds one worker.
type ResourcesConfig struct {
	MaxMemoryMB         int            `yaml:"maxMemory"`
	MaxCPUPct           float64        `yaml:"maxCpu"`
	Priority            int            `yaml:"priority"` // nice value
	FileDescriptorLimit uint64         `yaml:"fileDescriptorLimit"`
	CheckInterval       time.Duration  `yaml:"checkInterval"`
	Enforcement         EnforcementConfig `yaml:"enforcement"`
}

// EnforcementConfig decides whether limit breaches kill or warn.
type EnforcementConfig struct {
	HardLimits bool          `yaml:"hardLimits"`
	KillGrace  time.Duration `yaml:"killGrace"`
}

// RequestManagementConfig groups admission and resilience settings.
type RequestManagementConfig struct {
	Timeout     TimeoutConfig     `yaml:"timeout"`
	Payload     PayloadConfig     `yaml:"payload"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	NetworkQuality NetworkQualityConfig `yaml:"networkQuality"`
}

// TimeoutConfig holds the default and per-route deadlines.
type TimeoutConfig struct {
	Enabled        bool                     `yaml:"enabled"`
	DefaultTimeout time.Duration            `yaml:"defaultTimeout"`
	Routes         map[string]time.Duration `yaml:"routes"`
}

// PayloadConfig bounds request sizes.
type PayloadConfig struct {
	MaxBodySize  int64 `yaml:"maxBodySize"`
	MaxURLLength int   `yaml:"maxUrlLength"`
}

// ConcurrencyConfig bounds in-flight requests and the admission queue.
type ConcurrencyConfig struct {
	MaxConcurrentRequests int           `yaml:"maxConcurrentRequests"`
	MaxPerIP              int           `yaml:"maxPerIP"`
	MaxQueueSize          int           `yaml:"maxQueueSize"`
	QueueTimeout          time.Duration `yaml:"queueTimeout"`
}

// ResilienceConfig holds retry and breaker settings.
type ResilienceConfig struct {
	RetryEnabled bool          `yaml:"retryEnabled"`
	MaxRetries   int           `yaml:"maxRetries"`
	RetryDelay   time.Duration `yaml:"retryDelay"`
	// RetryRespectsBreaker makes an open breaker abort remaining retry
	// attempts (trip-blocks-retry). Off restores retry-then-trip.
	RetryRespectsBreaker bool                 `yaml:"retryRespectsBreaker"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// CircuitBreakerConfig holds breaker thresholds.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// NetworkQualityConfig gates admission on link quality.
type NetworkQualityConfig struct {
	Enabled                bool          `yaml:"enabled"`
	RejectOnPoorConnection bool          `yaml:"rejectOnPoorConnection"`
	MinBandwidth           int64         `yaml:"minBandwidth"` // bytes/sec
	MaxLatency             time.Duration `yaml:"maxLatency"`
}

// NetworkConfig groups the transport-facing settings.
type NetworkConfig struct {
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Compression CompressionConfig `yaml:"compression"`
	Connection  ConnectionConfig  `yaml:"connection"`
}

// RateLimitConfig holds the global limiter settings.
type RateLimitConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Strategy string          `yaml:"strategy"` // fixed-window | token-bucket
	Global   RateLimitWindow `yaml:"global"`
}

// RateLimitWindow is a (requests, window) tuple.
type RateLimitWindow struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ProxyConfig declares the upstream pool.
type ProxyConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Upstreams     []UpstreamConfig  `yaml:"upstreams"`
	LoadBalancing string            `yaml:"loadBalancing"`
	HealthCheck   HealthCheckConfig `yaml:"healthCheck"`
	Timeout       time.Duration     `yaml:"timeout"`
	Routes        []string          `yaml:"routes"` // path prefixes sent upstream
	MaxConnections int              `yaml:"maxConnections"`
}

// UpstreamConfig is one proxy target.
type UpstreamConfig struct {
	URL            string `yaml:"url"`
	Weight         int    `yaml:"weight"`
	MaxConnections int    `yaml:"maxConnections"`
}

// HealthCheckConfig controls upstream probes.
type HealthCheckConfig struct {
	Path               string        `yaml:"path"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthyThreshold"`
	UnhealthyThreshold int           `yaml:"unhealthyThreshold"`
}

// CompressionConfig controls response compression.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Algorithms   []string `yaml:"algorithms"`
	Level        int      `yaml:"level"`
	Threshold    int      `yaml:"threshold"`
	ContentTypes []string `yaml:"contentTypes"`
}

// ConnectionConfig tunes the HTTP server transport.
type ConnectionConfig struct {
	KeepAlive      KeepAliveConfig      `yaml:"keepAlive"`
	HTTP2          HTTP2Config          `yaml:"http2"`
	ConnectionPool ConnectionPoolConfig `yaml:"connectionPool"`
	ReadTimeout    time.Duration        `yaml:"readTimeout"`
	WriteTimeout   time.Duration        `yaml:"writeTimeout"`
	MaxHeaderBytes int                  `yaml:"maxHeaderBytes"`
}

// HTTP2Config enables HTTP/2 on the listener (requires TLS in front).
type HTTP2Config struct {
	Enabled bool `yaml:"enabled"`
}

// ConnectionPoolConfig tunes the proxy's upstream connection pool.
type ConnectionPoolConfig struct {
	MaxIdle        int `yaml:"maxIdle"`
	MaxIdlePerHost int `yaml:"maxIdlePerHost"`
}

// KeepAliveConfig tunes connection reuse.
type KeepAliveConfig struct {
	Enabled     bool          `yaml:"enabled"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// XEMSConfig controls the session vault.
type XEMSConfig struct {
	Enable       bool              `yaml:"enable"`
	Sandbox      string            `yaml:"sandbox"`
	TTL          time.Duration     `yaml:"ttl"`
	CookieName   string            `yaml:"cookieName"`
	HeaderName   string            `yaml:"headerName"`
	AutoRotation bool              `yaml:"autoRotation"`
	GracePeriod  time.Duration     `yaml:"gracePeriod"`
	Capacity     int               `yaml:"capacity"`
	SocketPath   string            `yaml:"socketPath"`
	Persistence  PersistenceConfig `yaml:"persistence"`
}

// PersistenceConfig controls the encrypted vault snapshot.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Secret  string `yaml:"secret"`
}

// PluginPermission is one row of the permission matrix. The JSON tags match
// the wire form handed to workers at spawn.
type PluginPermission struct {
	Plugin       string   `yaml:"plugin" json:"plugin"`
	AllowedHooks []string `yaml:"allowedHooks" json:"allowedHooks"`
	DeniedHooks  []string `yaml:"deniedHooks" json:"deniedHooks"`
}

// LoggingConfig feeds the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

// AdminConfig exposes the operational mux.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			AutoPortSwitch: AutoPortSwitchConfig{
				MaxAttempts: 5,
				Strategy:    "increment",
			},
		},
		Cluster: ClusterConfig{
			Workers:         WorkerCount{Count: 1},
			Strategy:        "round-robin",
			AutoRespawn:     true,
			MaxRestarts:     5,
			RestartWindow:   time.Minute,
			RestartDelay:    time.Second,
			SocketDir:       "/tmp/ferry",
			StartupDeadline: 30 * time.Second,
			Resources: ResourcesConfig{
				CheckInterval: 5 * time.Second,
				Enforcement:   EnforcementConfig{KillGrace: 5 * time.Second},
			},
		},
		RequestManagement: RequestManagementConfig{
			Timeout: TimeoutConfig{
				Enabled:        true,
				DefaultTimeout: 30 * time.Second,
			},
			Payload: PayloadConfig{
				MaxBodySize:  10 << 20,
				MaxURLLength: 2048,
			},
			Concurrency: ConcurrencyConfig{
				MaxConcurrentRequests: 1024,
				MaxPerIP:              64,
				MaxQueueSize:          256,
				QueueTimeout:          5 * time.Second,
			},
			Resilience: ResilienceConfig{
				MaxRetries:           2,
				RetryDelay:           100 * time.Millisecond,
				RetryRespectsBreaker: true,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     30 * time.Second,
				},
			},
		},
		Network: NetworkConfig{
			RateLimit: RateLimitConfig{
				Strategy: "fixed-window",
				Global:   RateLimitWindow{Requests: 1000, Window: time.Minute},
			},
			Proxy: ProxyConfig{
				LoadBalancing: "round-robin",
				Timeout:       30 * time.Second,
				HealthCheck: HealthCheckConfig{
					Path:               "/health",
					Interval:           10 * time.Second,
					Timeout:            5 * time.Second,
					HealthyThreshold:   2,
					UnhealthyThreshold: 3,
				},
			},
			Compression: CompressionConfig{
				Level:     6,
				Threshold: 1024,
			},
			Connection: ConnectionConfig{
				KeepAlive: KeepAliveConfig{Enabled: true, IdleTimeout: 90 * time.Second},
			},
		},
		XEMS: XEMSConfig{
			Sandbox:     "default",
			TTL:         24 * time.Hour,
			CookieName:  "xems_session",
			HeaderName:  "X-Session-Token",
			GracePeriod: time.Second,
		},
		Logging: LoggingConfig{Level: "info", Output: "stdout"},
		Admin:   AdminConfig{Port: 9090},
	}
}

// Freeze makes the config write-once: Set fails from now on.
func (c *Config) Freeze() {
	c.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (c *Config) Frozen() bool {
	return c.frozen.Load()
}

// ErrFrozen is returned for mutation attempts after Freeze.
var ErrFrozen = fmt.Errorf("config: frozen after start; re-assignment rejected")

// Set applies a mutation while the config is still mutable.
func (c *Config) Set(mutate func(*Config)) error {
	if c.frozen.Load() {
		return ErrFrozen
	}
	mutate(c)
	return nil
}

// Validate reports the first fatal configuration error.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch c.Cluster.Strategy {
	case "", "round-robin", "least-loaded", "sticky":
	default:
		return fmt.Errorf("config: unknown cluster.strategy %q", c.Cluster.Strategy)
	}
	if !c.Cluster.Workers.Auto && c.Cluster.Workers.Count < 1 {
		return fmt.Errorf("config: cluster.workers must be >= 1 or \"auto\"")
	}
	switch c.Network.Proxy.LoadBalancing {
	case "", "round-robin", "weighted-round-robin", "least-connections", "ip-hash":
	default:
		return fmt.Errorf("config: unknown network.proxy.loadBalancing %q", c.Network.Proxy.LoadBalancing)
	}
	switch c.Network.RateLimit.Strategy {
	case "", "fixed-window", "token-bucket":
	default:
		return fmt.Errorf("config: unknown network.rateLimit.strategy %q", c.Network.RateLimit.Strategy)
	}
	if c.Network.Proxy.Enabled && len(c.Network.Proxy.Upstreams) == 0 {
		return fmt.Errorf("config: network.proxy.enabled with no upstreams")
	}
	for _, u := range c.Network.Proxy.Upstreams {
		if u.URL == "" {
			return fmt.Errorf("config: upstream with empty url")
		}
		if u.Weight < 0 {
			return fmt.Errorf("config: upstream %s has negative weight", u.URL)
		}
	}
	if c.RequestManagement.Payload.MaxBodySize < 0 {
		return fmt.Errorf("config: requestManagement.payload.maxBodySize negative")
	}
	if c.RequestManagement.Concurrency.MaxQueueSize < 0 {
		return fmt.Errorf("config: requestManagement.concurrency.maxQueueSize negative")
	}
	if c.XEMS.Persistence.Enabled {
		if c.XEMS.Persistence.Path == "" {
			return fmt.Errorf("config: xems.persistence.enabled with no path")
		}
		if c.XEMS.Persistence.Secret == "" {
			return fmt.Errorf("config: xems.persistence.enabled with no secret")
		}
	}
	if c.Server.AutoPortSwitch.Enabled {
		switch c.Server.AutoPortSwitch.Strategy {
		case "increment", "random", "portRange":
		default:
			return fmt.Errorf("config: unknown server.autoPortSwitch.strategy %q", c.Server.AutoPortSwitch.Strategy)
		}
		if c.Server.AutoPortSwitch.Strategy == "portRange" {
			r := c.Server.AutoPortSwitch.PortRange
			if r[0] <= 0 || r[1] < r[0] {
				return fmt.Errorf("config: bad server.autoPortSwitch.portRange %v", r)
			}
		}
	}
	return nil
}
