// Package server exposes the conversation orchestrator over HTTP.
//
// Endpoints:
//
//	POST /agent        → start or resume a run; streams SSE events
//	POST /agent/abort  → abandon a conversation's current turn
//	GET  /agent/health → liveness probe
//
// Middleware order: recovery → logging → rate limit → handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fennelabs/dialect/internal/approval"
	"github.com/fennelabs/dialect/internal/log"
	"github.com/fennelabs/dialect/internal/orchestrator"
	"github.com/fennelabs/dialect/internal/server/sse"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:3400"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout prevents Slowloris-style header trickling.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout applies to keep-alive connections between requests.
	IdleTimeout = 120 * time.Second
)

// Runner drives conversation turns. *orchestrator.Controller satisfies it;
// tests substitute their own.
type Runner interface {
	Run(ctx context.Context, conversationID, userText string, emit orchestrator.Emitter) error
	Resume(ctx context.Context, conversationID string, resp approval.Response, emit orchestrator.Emitter) error
	Abort(ctx context.Context, conversationID string) error
}

// Config holds the server's collaborators.
type Config struct {
	Runner Runner
	Logger log.Logger

	// RatePerSecond and Burst configure the per-IP rate limit.
	RatePerSecond float64
	Burst         int

	// TrustProxy enables client-IP extraction from proxy headers.
	TrustProxy bool
}

// Server is the HTTP server for the agent API.
type Server struct {
	mux        *http.ServeMux
	runner     Runner
	logger     log.Logger
	limiter    *rateLimiter
	trustProxy bool
}

// New creates a server with all routes registered.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	s := &Server{
		mux:        http.NewServeMux(),
		runner:     cfg.Runner,
		logger:     logger,
		limiter:    newRateLimiter(perSecond, burst),
		trustProxy: cfg.TrustProxy,
	}
	s.mux.HandleFunc("POST /agent", s.handleAgent)
	s.mux.HandleFunc("POST /agent/abort", s.handleAbort)
	s.mux.HandleFunc("GET /agent/health", s.handleHealth)
	return s, nil
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		s.recoveryMiddleware,
		s.loggingMiddleware,
		rateLimitMiddleware(s.limiter, s.trustProxy, s.logger),
	)
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
		// No WriteTimeout: approval-gated runs stream SSE for as long as
		// the model and tools take.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runRequest is the body of POST /agent. Exactly one of Message and Resume
// must be set: Message starts a new turn, Resume answers a pending
// approval request.
type runRequest struct {
	ThreadID string             `json:"thread_id"`
	Message  string             `json:"message,omitempty"`
	Resume   *approval.Response `json:"resume,omitempty"`
}

// abortRequest is the body of POST /agent/abort.
type abortRequest struct {
	ThreadID string `json:"thread_id"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", s.logger)
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "thread_id is required", s.logger)
		return
	}
	if (req.Message == "") == (req.Resume == nil) {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"exactly one of message and resume must be set", s.logger)
		return
	}

	// The SSE stream opens lazily on the first event, so pre-flight errors
	// (busy, suspended, nothing to resume) still get a JSON status.
	emitter := &streamEmitter{w: w, logger: s.logger}

	var err error
	if req.Resume != nil {
		err = s.runner.Resume(r.Context(), req.ThreadID, *req.Resume, emitter)
	} else {
		err = s.runner.Run(r.Context(), req.ThreadID, req.Message, emitter)
	}

	if err != nil && !emitter.started {
		switch {
		case errors.Is(err, orchestrator.ErrConversationBusy):
			writeError(w, http.StatusConflict, "conversation_busy", err.Error(), s.logger)
		case errors.Is(err, orchestrator.ErrTurnSuspended):
			writeError(w, http.StatusConflict, "turn_suspended", err.Error(), s.logger)
		case errors.Is(err, orchestrator.ErrNoSuspendedTurn):
			writeError(w, http.StatusNotFound, "no_suspended_turn", err.Error(), s.logger)
		default:
			s.logger.Error("run failed before streaming", "thread_id", req.ThreadID, "error", err)
			writeError(w, http.StatusInternalServerError, "run_failed", "run failed", s.logger)
		}
		return
	}
	// Errors after streaming began were already delivered as run_error
	// events by the controller.
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "thread_id is required", s.logger)
		return
	}
	if err := s.runner.Abort(r.Context(), req.ThreadID); err != nil {
		if errors.Is(err, orchestrator.ErrConversationBusy) {
			writeError(w, http.StatusConflict, "conversation_busy", err.Error(), s.logger)
			return
		}
		s.logger.Error("abort failed", "thread_id", req.ThreadID, "error", err)
		writeError(w, http.StatusInternalServerError, "abort_failed", "abort failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// streamEmitter adapts the SSE writer to the orchestrator's Emitter. The
// underlying stream is opened on the first event.
type streamEmitter struct {
	w       http.ResponseWriter
	sw      *sse.Writer
	logger  log.Logger
	started bool
	failed  bool
}

func (e *streamEmitter) Emit(ev orchestrator.Event) {
	if e.failed {
		return
	}
	if e.sw == nil {
		sw, err := sse.NewWriter(e.w)
		if err != nil {
			e.logger.Error("failed to open event stream", "error", err)
			e.failed = true
			return
		}
		e.sw = sw
		e.started = true
	}
	if err := e.sw.WriteEvent(string(ev.Type), ev); err != nil {
		// Client gone; drop the rest of the stream. The run itself
		// carries on and its state is checkpointed.
		e.logger.Debug("event stream write failed", "error", err)
		e.failed = true
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any, logger log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse represents a JSON error response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, err, message string, logger log.Logger) {
	writeJSON(w, status, errorResponse{Error: err, Message: message}, logger)
}
