// Package lockcoord implements a localhost coordinator providing
// cooperative, advisory, FIFO locking on opaque string keys across client
// sessions. Locking state is entirely in-memory: restarting the process is
// equivalent to releasing every lock.
package lockcoord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"pkt.systems/lockcoord/internal/clock"
	"pkt.systems/lockcoord/internal/httpapi"
	"pkt.systems/lockcoord/internal/lockqueue"
	"pkt.systems/lockcoord/internal/metrics"
	"pkt.systems/lockcoord/internal/svcfields"
	"pkt.systems/pslog"
)

// Server wraps the HTTP lock API, the optional metrics listener, and the
// in-memory lock engine.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	instance string
	bootTime time.Time

	store   *lockqueue.Store
	httpSrv *http.Server
	metrSrv *http.Server

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	mu           sync.Mutex
	shutdown     bool
	listener     net.Listener
	readyOnce    sync.Once
	readyCh      chan struct{}
	lastServeErr error
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger supplies a custom logger. Defaults to a disabled logger.
func WithLogger(l pslog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the server's time source. Defaults to clock.Real{}.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer constructs a Server from cfg. It does not start listening;
// call Start for that.
func NewServer(cfg Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		logger:  pslog.NoopLogger(),
		clock:   clock.Real{},
		readyCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.instance = xid.New().String()
	s.bootTime = s.clock.Now()
	s.logger = svcfields.WithSubsystem(s.logger, "server.lifecycle")
	s.shutdownCtx, s.shutdownCancel = context.WithCancel(context.Background())

	s.store = lockqueue.NewStore(cfg.TTL,
		lockqueue.WithClock(s.clock),
		lockqueue.WithSweepInterval(cfg.SweepInterval),
	)

	m := metrics.New(s.store)

	handler := httpapi.New(httpapi.Config{
		Store:                 s.store,
		Clock:                 s.clock,
		Logger:                s.logger,
		Instance:              s.instance,
		BootTime:              s.bootTime,
		EnableTracer:          cfg.EnableTracing,
		JSONMaxBytes:          cfg.JSONMaxBytes,
		WaitObserver:          m.WaitDuration,
		AcquireTimeoutDefault: cfg.AcquireTimeoutDefault,
		AcquireTimeoutMax:     cfg.AcquireTimeoutMax,
		ShutdownCtx:           s.shutdownCtx,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	s.httpSrv = &http.Server{Handler: mux}

	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
		s.metrSrv = &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux}
	}

	return s
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()

	s.logger.Info("server.listening", "address", ln.Addr().String(), "instance", s.instance)

	if s.metrSrv != nil {
		go func() {
			if err := s.metrSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("server.metrics.error", "error", err)
			}
		}()
	}

	serveErr := s.httpSrv.Serve(ln)
	s.mu.Lock()
	s.lastServeErr = serveErr
	s.mu.Unlock()
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http serve: %w", serveErr)
}

// Shutdown gracefully stops the server: it stops accepting new connections,
// lets in-flight long-polls observe cancellation, drains the lock engine's
// sweeper, and returns any fatal serve error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.shutdownCancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if s.metrSrv != nil {
		if err := s.metrSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
	}
	s.store.Close()

	s.mu.Lock()
	lastErr := s.lastServeErr
	s.mu.Unlock()
	if lastErr != nil && !errors.Is(lastErr, http.ErrServerClosed) {
		return lastErr
	}
	return nil
}

// Close shuts the server down using a background context bounded by the
// server's configured shutdown grace period.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once Start has begun
// listening.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Instance returns the server's boot-time instance identifier.
func (s *Server) Instance() string {
	return s.instance
}
