package lockcoord

import "time"

const (
	// DefaultListen is the default TCP endpoint the coordinator binds to.
	DefaultListen = ":9876"
	// DefaultMetricsListen is the default metrics listener (empty disables it).
	DefaultMetricsListen = ""
	// DefaultTTL is the maximum duration a session may hold a key before the
	// sweeper or a contending acquirer is permitted to evict it.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval sets the tick frequency for the TTL sweeper.
	DefaultSweepInterval = DefaultTTL
	// DefaultAcquireTimeout is used by /lock when the caller supplies a
	// timeout value that fails to parse.
	DefaultAcquireTimeout = 60 * time.Second
	// MaxAcquireTimeout bounds every /lock timeout regardless of the
	// caller's requested unit, and is also the effective timeout when the
	// caller omits the parameter entirely.
	MaxAcquireTimeout = 300 * time.Second
	// DefaultJSONMaxBytes bounds incoming JSON request bodies.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultShutdownGrace bounds how long Close (and the CLI's signal
	// handler) lets Shutdown wait for in-flight requests to finish before
	// it returns.
	DefaultShutdownGrace = 10 * time.Second
)

// Config configures a Server.
type Config struct {
	// Listen is the TCP address the lock API binds to, e.g. ":9876".
	Listen string
	// MetricsListen is the TCP address the Prometheus /metrics endpoint
	// binds to. Empty disables the metrics listener entirely.
	MetricsListen string
	// TTL bounds how long a session may hold a key before eviction is
	// permitted.
	TTL time.Duration
	// SweepInterval sets how often the background sweeper checks for
	// expired holders.
	SweepInterval time.Duration
	// JSONMaxBytes bounds incoming JSON request bodies.
	JSONMaxBytes int64
	// EnableTracing wraps every request in an OpenTelemetry span. No
	// exporter is configured by this package; an embedding program may
	// attach one via the global otel SDK.
	EnableTracing bool
	// ShutdownGrace bounds how long Shutdown waits for the listener to
	// close in-flight connections before returning.
	ShutdownGrace time.Duration
	// AcquireTimeoutDefault is used by /lock when the caller supplies a
	// timeout value that fails to parse.
	AcquireTimeoutDefault time.Duration
	// AcquireTimeoutMax bounds every /lock timeout regardless of the
	// caller's requested unit, and is also the effective timeout when the
	// caller omits the parameter entirely.
	AcquireTimeoutMax time.Duration
}

// withDefaults returns a copy of cfg with zero-valued fields replaced by
// package defaults.
func (cfg Config) withDefaults() Config {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}
	if cfg.JSONMaxBytes <= 0 {
		cfg.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.AcquireTimeoutDefault <= 0 {
		cfg.AcquireTimeoutDefault = DefaultAcquireTimeout
	}
	if cfg.AcquireTimeoutMax <= 0 {
		cfg.AcquireTimeoutMax = MaxAcquireTimeout
	}
	return cfg
}
