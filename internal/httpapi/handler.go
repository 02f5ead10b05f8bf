// Package httpapi implements the coordinator's HTTP surface: eight
// endpoints translating JSON requests into lockqueue.Store operations, with
// long-poll semantics on the acquisition endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lockcoord/api"
	"pkt.systems/lockcoord/internal/clock"
	"pkt.systems/lockcoord/internal/correlation"
	"pkt.systems/lockcoord/internal/lockqueue"
	"pkt.systems/lockcoord/internal/svcfields"
	"pkt.systems/lockcoord/internal/uuidv7"
	"pkt.systems/pslog"
)

const headerCorrelationID = "X-Correlation-Id"

// defaultAcquireTimeout is used when a /lock request's timeout query
// parameter fails to parse.
const defaultAcquireTimeout = 60 * time.Second

// maxAcquireTimeout bounds every parsed timeout regardless of unit, and is
// the effective timeout when a /lock request omits the parameter entirely.
const maxAcquireTimeout = 300 * time.Second

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handler wires the lock engine to the HTTP transport.
type Handler struct {
	store    *lockqueue.Store
	clock    clock.Clock
	logger   pslog.Logger
	instance string
	bootTime time.Time

	tracer                trace.Tracer
	tracingOn             bool
	jsonMaxBytes          int64
	waitObserver          prometheus.Observer
	acquireTimeoutDefault time.Duration
	acquireTimeoutMax     time.Duration

	// shutdownCtx is canceled when the owning server begins graceful
	// shutdown, so in-flight /lock long-polls observe it the same way they
	// observe their own parsed timeout instead of being hard-killed.
	shutdownCtx context.Context
}

// Config bundles the constructor arguments for a Handler.
type Config struct {
	Store        *lockqueue.Store
	Clock        clock.Clock
	Logger       pslog.Logger
	Instance     string
	BootTime     time.Time
	EnableTracer bool
	JSONMaxBytes int64
	// WaitObserver, if set, receives the elapsed wait duration of every
	// /lock long-poll (granted, timed out, or canceled).
	WaitObserver prometheus.Observer
	// AcquireTimeoutDefault is used when a /lock request's timeout query
	// parameter fails to parse. Defaults to 60s.
	AcquireTimeoutDefault time.Duration
	// AcquireTimeoutMax bounds every parsed timeout regardless of unit, and
	// is the effective timeout when a /lock request omits the parameter
	// entirely. Defaults to 300s.
	AcquireTimeoutMax time.Duration
	// ShutdownCtx, if set, is observed by every in-flight /lock long-poll
	// alongside the request's own context, so graceful shutdown produces a
	// standard timeout-shaped response instead of a severed connection.
	ShutdownCtx context.Context
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	acquireDefault := cfg.AcquireTimeoutDefault
	if acquireDefault <= 0 {
		acquireDefault = defaultAcquireTimeout
	}
	acquireMax := cfg.AcquireTimeoutMax
	if acquireMax <= 0 {
		acquireMax = maxAcquireTimeout
	}
	shutdownCtx := cfg.ShutdownCtx
	if shutdownCtx == nil {
		shutdownCtx = context.Background()
	}
	return &Handler{
		store:                 cfg.Store,
		clock:                 c,
		logger:                logger,
		instance:              cfg.Instance,
		bootTime:              cfg.BootTime,
		tracer:                otel.Tracer("pkt.systems/lockcoord/httpapi"),
		tracingOn:             cfg.EnableTracer,
		jsonMaxBytes:          maxBytes,
		waitObserver:          cfg.WaitObserver,
		acquireTimeoutDefault: acquireDefault,
		acquireTimeoutMax:     acquireMax,
		shutdownCtx:           shutdownCtx,
	}
}

// Register attaches every endpoint to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/health", h.wrap("health", h.handleHealth))
	mux.Handle("/lock", h.wrap("lock", h.handleLock))
	mux.Handle("/unlock", h.wrap("unlock", h.handleUnlock))
	mux.Handle("/unlock-all", h.wrap("unlock_all", h.handleUnlockAll))
	mux.Handle("/status", h.wrap("status", h.handleStatus))
	mux.Handle("/locks", h.wrap("locks", h.handleLocks))
	mux.Handle("/queues", h.wrap("queues", h.handleQueues))
	mux.Handle("/queue/", h.wrap("queue", h.handleQueue))
}

func routerSys(operation string) string {
	return svcfields.Subsystem("http", operation)
}

// statusRecorder wraps http.ResponseWriter to capture the status code
// actually written, so completion logging can report it. Defaults to 200
// if the handler never calls WriteHeader explicitly (matching net/http's
// own default).
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) statusOrDefault() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// wrap adds request-scoped logging, correlation propagation and tracing
// spans around fn, converting returned errors into a JSON error envelope.
func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "lockcoord.http." + operation

	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w := &statusRecorder{ResponseWriter: rw}
		start := h.clock.Now()
		ctx := r.Context()

		reqID := uuidv7.NewString()
		var span trace.Span
		if h.tracingOn {
			ctx, span = h.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
			span.SetAttributes(
				attribute.String("lockcoord.operation", operation),
				attribute.String("lockcoord.route", r.URL.Path),
			)
			defer span.End()
		}

		ctx = correlation.Ensure(ctx)
		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		if err := fn(w, r); err != nil {
			if h.tracingOn {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			if corr := correlation.ID(r.Context()); corr != "" {
				w.Header().Set(headerCorrelationID, corr)
			}
			h.handleError(r.Context(), w, err)
			logger.Warn("http.request.error", "status", w.statusOrDefault(), "elapsed", h.clock.Now().Sub(start), "error", err)
			return
		}
		if corr := correlation.ID(r.Context()); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}
		logger.Debug("http.request.complete", "status", w.statusOrDefault(), "elapsed", h.clock.Now().Sub(start))
	})

	if !h.tracingOn {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{Error: httpErr.Detail}, nil)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "internal server error"}, nil)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func badRequest(code, detail string) error {
	return httpError{Status: http.StatusBadRequest, Code: code, Detail: detail}
}

// parseTimeout implements the timeout grammar: "<int><unit>" where unit is
// s or m, seconds capped at 300, minutes capped at 5. An omitted value
// defaults to h.acquireTimeoutMax; a value that fails to parse falls back
// to h.acquireTimeoutDefault instead.
func (h *Handler) parseTimeout(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h.acquireTimeoutMax
	}
	unit := raw[len(raw)-1]
	numPart := raw[:len(raw)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return h.acquireTimeoutDefault
	}
	switch unit {
	case 's':
		if n > 300 {
			n = 300
		}
		return time.Duration(n) * time.Second
	case 'm':
		if n > 5 {
			n = 5
		}
		return time.Duration(n) * time.Minute
	default:
		return h.acquireTimeoutDefault
	}
}

func (h *Handler) clampTimeout(d time.Duration) time.Duration {
	if d > h.acquireTimeoutMax {
		return h.acquireTimeoutMax
	}
	return d
}

func parseBoolQuery(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
