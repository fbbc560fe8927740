// Package server provides the HTTP surface for the sync daemon: action
// submission, queue inspection, network state, and cache access. It
// wires the queue, drain processor, network monitor, and cache together
// so an offline→online transition automatically drains the queue.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/lumeo/syncbox/cache"
	"github.com/lumeo/syncbox/drain"
	"github.com/lumeo/syncbox/netmon"
	"github.com/lumeo/syncbox/queue"
	"github.com/lumeo/syncbox/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataDir is the directory holding the queue and cache databases.
	DataDir string

	// ProbeURL is the connectivity check endpoint.
	// Default: netmon.DefaultProbeURL.
	ProbeURL string

	// ProbeInterval is how often to probe connectivity.
	// Default: 30 seconds.
	ProbeInterval time.Duration

	// DrainConcurrency bounds in-flight handlers during a drain pass.
	// Default: drain.DefaultConcurrency.
	DrainConcurrency int

	// ActionTimeout is the per-action deadline during a drain pass.
	// Default: drain.DefaultActionTimeout.
	ActionTimeout time.Duration

	// CacheTTL is the default time-to-live for cached values.
	// Default: cache.DefaultTTL.
	CacheTTL time.Duration

	// ReaperInterval is how often to sweep expired cache entries.
	// Default: 1 hour.
	ReaperInterval time.Duration

	// MaxConns caps concurrent client connections. Zero means no cap.
	MaxConns int

	// Registry maps action types to handlers. A nil registry gets the
	// built-in http.request handler only.
	Registry *drain.Registry

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the sync daemon.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	queue     *queue.Store
	cache     *cache.Cache
	monitor   *netmon.Monitor
	registry  *drain.Registry
	processor *drain.Processor
	trigger   *drain.Trigger
	reaper    *cache.Reaper
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = netmon.DefaultProbeURL
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue.db"),
		queue.WithLogger(cfg.Logger.With("component", "queue")),
	)
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}

	prober := netmon.NewHTTPProber(netmon.WithProbeURL(cfg.ProbeURL))
	monitor := netmon.New(recordingProber{prober},
		netmon.WithInterval(cfg.ProbeInterval),
		netmon.WithLogger(cfg.Logger.With("component", "netmon")),
	)

	c, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"),
		cache.WithLogger(cfg.Logger.With("component", "cache")),
		cache.WithOnlineCheck(monitor.Online),
	)
	if err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = drain.NewRegistry()
	}
	if _, ok := registry.Lookup(ReplayActionType); !ok {
		registry.Register(ReplayActionType, NewHTTPReplayHandler(nil))
	}

	processorOpts := []drain.Option{
		drain.WithLogger(cfg.Logger.With("component", "drain")),
	}
	if cfg.DrainConcurrency > 0 {
		processorOpts = append(processorOpts, drain.WithConcurrency(cfg.DrainConcurrency))
	}
	if cfg.ActionTimeout > 0 {
		processorOpts = append(processorOpts, drain.WithActionTimeout(cfg.ActionTimeout))
	}
	processor := drain.New(q, registry, monitor.Online, processorOpts...)
	trigger := drain.NewTrigger(processor, cfg.Logger.With("component", "drain"))

	reaper := cache.NewReaper(c, cfg.ReaperInterval, cfg.Logger.With("component", "reaper"))

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		queue:     q,
		cache:     c,
		monitor:   monitor,
		registry:  registry,
		processor: processor,
		trigger:   trigger,
		reaper:    reaper,
	}

	// A restored connection drains whatever queued up while offline.
	monitor.OnOnline(func() {
		telemetry.RecordOnlineTransition(context.Background())
		trigger.Kick(context.Background())
	})

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Diagnostics
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Action submission and queue inspection
	mux.HandleFunc("POST /v1/actions", s.handleEnqueue)
	mux.HandleFunc("GET /v1/queue/status", s.handleQueueStatus)
	mux.HandleFunc("POST /v1/queue/drain", s.handleDrain)

	// Network state
	mux.HandleFunc("GET /v1/network", s.handleNetworkState)
	mux.HandleFunc("POST /v1/network/observe", s.handleNetworkObserve)

	// Cache access
	mux.HandleFunc("GET /v1/cache/{key...}", s.handleCacheGet)
	mux.HandleFunc("PUT /v1/cache/{key...}", s.handleCachePut)
	mux.HandleFunc("DELETE /v1/cache/{key...}", s.handleCacheDelete)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		telemetry.RecordHTTP(r.Context(), routeLabel(r.URL.Path), wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background components and serves HTTP until the
// listener closes.
func (s *Server) Start(ctx context.Context) error {
	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting network monitor: %w", err)
	}
	s.reaper.Start(ctx)

	// Anything persisted by a previous run drains as soon as we are
	// online.
	s.trigger.Kick(ctx)

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.reaper.Stop()
	s.monitor.Stop()

	err := s.httpServer.Shutdown(ctx)

	if cerr := s.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if qerr := s.queue.Close(); qerr != nil && err == nil {
		err = qerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// recordingProber wraps a prober with probe metrics.
type recordingProber struct {
	inner netmon.Prober
}

func (p recordingProber) Probe(ctx context.Context) (netmon.Sample, error) {
	start := time.Now()
	sample, err := p.inner.Probe(ctx)
	outcome := "online"
	if err != nil {
		outcome = "offline"
	}
	telemetry.RecordProbe(ctx, time.Since(start), outcome)
	return sample, err
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routeLabel collapses request paths into a bounded label set so the
// metrics cardinality stays flat regardless of cache key shapes.
func routeLabel(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case path == "/v1/actions":
		return "actions"
	case len(path) >= 9 && path[:9] == "/v1/queue":
		return "queue"
	case len(path) >= 11 && path[:11] == "/v1/network":
		return "network"
	case len(path) >= 10 && path[:10] == "/v1/cache/":
		return "cache"
	default:
		return "unknown"
	}
}
