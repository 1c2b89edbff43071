package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/metrics"
)

// Response messages for job triggers.
const (
	MsgPullBusy     = "Pull Data is already running."
	MsgPullStarted  = "Pull started."
	MsgUpdateGated  = "Update Analysis is disabled while Pull Data is running."
	MsgUpdateBusy   = "Update Analysis is already running."
	readyzTimeout   = 2 * time.Second
	defaultDeadline = 60 * time.Second
)

// Jobs is the coordinator surface the handlers drive.
type Jobs interface {
	StartPull(ctx context.Context) (string, error)
	RunPullSync(ctx context.Context) (crawler.PullStatus, error)
	RunUpdate(ctx context.Context) (crawler.UpdateStatus, error)
	Snapshot() crawler.PullStatus
	UpdateSnapshot() crawler.UpdateStatus
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune handler behavior.
type Options struct {
	// RunInBackground makes POST /pull-data return 202 immediately. When false
	// the pull runs to completion inside the request.
	RunInBackground bool
	// APIKey, when set, is required on the job trigger endpoints.
	APIKey string
	// RequestTimeout bounds every request, including synchronous pulls.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the coordinator.
type Server struct {
	router chi.Router
	jobs   Jobs
	ready  Pinger
	opts   Options
	logger *zap.Logger
}

// jobResponse is the body returned by the trigger endpoints.
type jobResponse struct {
	OK        bool                `json:"ok"`
	Busy      bool                `json:"busy"`
	Message   string              `json:"message,omitempty"`
	RunID     string              `json:"run_id,omitempty"`
	Updated   *bool               `json:"updated,omitempty"`
	PullState *crawler.PullStatus `json:"pull_state,omitempty"`
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(jobs Jobs, ready Pinger, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultDeadline
	}
	s := &Server{
		jobs:   jobs,
		ready:  ready,
		opts:   opts,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/pull-status", s.pullStatus)
	r.Get("/update-status", s.updateStatus)
	r.Group(func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/pull-data", s.pullData)
		r.Post("/update-analysis", s.updateAnalysis)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) pullStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.jobs.Snapshot())
}

func (s *Server) updateStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.jobs.UpdateSnapshot())
}

func (s *Server) pullData(w http.ResponseWriter, r *http.Request) {
	if s.opts.RunInBackground {
		runID, err := s.jobs.StartPull(r.Context())
		switch {
		case errors.Is(err, crawler.ErrBusy):
			s.writeJSON(w, http.StatusConflict, jobResponse{Busy: true, Message: MsgPullBusy})
		case err != nil:
			s.logger.Error("pull submit failed", zap.Error(err))
			s.writeJSON(w, http.StatusInternalServerError, jobResponse{Message: err.Error()})
		default:
			s.writeJSON(w, http.StatusAccepted, jobResponse{OK: true, Message: MsgPullStarted, RunID: runID})
		}
		return
	}

	status, err := s.jobs.RunPullSync(r.Context())
	switch {
	case errors.Is(err, crawler.ErrBusy):
		s.writeJSON(w, http.StatusConflict, jobResponse{Busy: true, Message: MsgPullBusy})
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, jobResponse{Message: status.Message, RunID: status.RunID, PullState: &status})
	default:
		s.writeJSON(w, http.StatusOK, jobResponse{OK: true, Message: status.Message, RunID: status.RunID, PullState: &status})
	}
}

func (s *Server) updateAnalysis(w http.ResponseWriter, r *http.Request) {
	_, err := s.jobs.RunUpdate(r.Context())
	switch {
	case errors.Is(err, crawler.ErrBusy):
		msg := MsgUpdateBusy
		if s.jobs.Snapshot().InProgress {
			msg = MsgUpdateGated
		}
		s.writeJSON(w, http.StatusConflict, jobResponse{Busy: true, Message: msg})
	case err != nil:
		s.logger.Error("analytics refresh failed", zap.Error(err))
		updated := false
		s.writeJSON(w, http.StatusInternalServerError, jobResponse{Message: err.Error(), Updated: &updated})
	default:
		updated := true
		s.writeJSON(w, http.StatusOK, jobResponse{OK: true, Updated: &updated})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
