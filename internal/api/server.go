package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/hints"
	"github.com/gatewaybuddy/forgekeeper/internal/orchestrator"
	"github.com/gatewaybuddy/forgekeeper/internal/ratelimit"
	"github.com/gatewaybuddy/forgekeeper/internal/redact"
	"github.com/gatewaybuddy/forgekeeper/internal/toolexec"
	"github.com/gatewaybuddy/forgekeeper/internal/tools"
)

// Orchestrators bundles one Orchestrator per mode the heuristic can select,
// so the chat handler can dispatch without knowing each implementation.
type Orchestrators struct {
	Standard orchestrator.Orchestrator
	Review   orchestrator.Orchestrator
	Chunked  orchestrator.Orchestrator
	Combined orchestrator.Orchestrator
}

func (o Orchestrators) pick(mode orchestrator.Mode) orchestrator.Orchestrator {
	switch mode {
	case orchestrator.ModeReview:
		return o.Review
	case orchestrator.ModeChunked:
		return o.Chunked
	case orchestrator.ModeCombined:
		return o.Combined
	default:
		return o.Standard
	}
}

// Config configures a Server.
type Config struct {
	Host string
	Port int

	ModeHeuristic orchestrator.ModeHeuristicOptions
	Hints         hints.Options
	HintsEnabled  bool

	RateLimitCost      float64
	RateLimitKey       string
	PerConversationKey bool

	StreamPollInterval time.Duration
	HeartbeatInterval  time.Duration
}

// Server is the diagnostics/stream surface plus the chat completion
// surface: the only part of the core the UI talks to directly.
type Server struct {
	cfg Config

	registry *tools.Registry
	executor *toolexec.Executor
	store    *eventlog.Store
	limiter  *ratelimit.Limiter
	redactor *redact.Redactor
	orch     Orchestrators
	metrics  *Metrics
	logger   *slog.Logger

	httpServer   *http.Server
	httpListener net.Listener
	startTime    time.Time
}

// New builds a Server. Any nil *Metrics/logger is replaced with a working
// default so the server never panics on a zero-value caller.
func New(cfg Config, registry *tools.Registry, executor *toolexec.Executor, store *eventlog.Store, limiter *ratelimit.Limiter, redactor *redact.Redactor, orch Orchestrators, metrics *Metrics, logger *slog.Logger) *Server {
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg, registry: registry, executor: executor, store: store,
		limiter: limiter, redactor: redactor, orch: orch,
		metrics: metrics, logger: logger, startTime: time.Now(),
	}
}

// Mux builds the server's route table. Exposed separately from Start so
// tests can exercise handlers with httptest without binding a socket.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	mux.HandleFunc("/api/tools", s.withMetrics("/api/tools", s.handleListTools))
	mux.HandleFunc("/api/tools/run", s.withMetrics("/api/tools/run", s.handleRunTool))
	mux.HandleFunc("/api/tools/executions", s.withMetrics("/api/tools/executions", s.handleToolExecutions))
	mux.HandleFunc("/api/ratelimit/status", s.withMetrics("/api/ratelimit/status", s.handleRateLimitStatus))

	mux.HandleFunc("/api/ctx/tail", s.withMetrics("/api/ctx/tail", s.handleTailEvents))
	mux.HandleFunc("/api/ctx/stream", s.withMetrics("/api/ctx/stream", s.handleStreamEvents))

	mux.HandleFunc("/api/chat", s.withMetrics("/api/chat", s.handleChat))
	mux.HandleFunc("/api/chat/stream", s.withMetrics("/api/chat/stream", s.handleChatStream))

	return mux
}

func (s *Server) withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so the SSE handlers can stream
// through the metrics middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start binds and serves the mux in the background, returning once the
// listener is ready (or an error if it couldn't bind).
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}

	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("assistantd http server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
