// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/orchestrator"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// maxWait caps how long GET /v1/requests/{id} blocks.
const maxWait = 60 * time.Second

// Server is the Conduit HTTP API.
type Server struct {
	addr   string
	secret string
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Server for orch. An empty secret disables authentication.
func New(addr, secret string, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   addr,
		secret: secret,
		orch:   orch,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	s.handle("POST /v1/requests", s.handleSubmit)
	s.handle("GET /v1/requests/{id}", s.handleGet)
	s.handle("DELETE /v1/requests/{id}", s.handleCancel)
	s.handle("POST /v1/search", s.handleSearch)
	s.handle("POST /v1/ingest", s.handleIngest)

	s.handle("GET /admin/budgets", s.requireAdmin(s.handleListBudgets))
	s.handle("GET /admin/budgets/{tenant}", s.requireAdmin(s.handleGetBudget))
	s.handle("GET /admin/budgets/{tenant}/check", s.requireAdmin(s.handleCheckBudget))
	s.handle("PUT /admin/budgets/{tenant}", s.requireAdmin(s.handleSetBudget))
	s.handle("POST /admin/cache/invalidate", s.requireAdmin(s.handleInvalidate))
	s.handle("GET /admin/cache/stats", s.requireAdmin(s.handleCacheStats))
	s.handle("GET /admin/providers", s.requireAdmin(s.handleProviders))
	s.handle("GET /admin/queue", s.requireAdmin(s.handleQueue))
	s.handle("GET /admin/spend", s.requireAdmin(s.handleSpend))

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// handle registers an authenticated, instrumented route.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, s.authenticate(h)))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("conduit listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		metrics.HTTPLatency.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.code, "duration", elapsed)
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind         string          `json:"kind"`
	Message      string          `json:"message"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	RetryAfterMs int64           `json:"retry_after_ms,omitempty"`
	Attempts     []aierr.Attempt `json:"attempts,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

// writeErr renders err with the status its kind maps to.
func writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	e, ok := aierr.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, string(aierr.KindInternal), err.Error())
		return
	}
	d := errorDetail{
		Kind:        string(e.Kind),
		Message:     e.Error(),
		Fingerprint: e.Fingerprint,
		Provider:    e.Provider,
		Attempts:    e.Attempts,
	}
	if e.RetryAfter > 0 {
		d.RetryAfterMs = e.RetryAfter.Milliseconds()
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, e.HTTPStatus(), errorBody{Error: d})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(aierr.KindInvalidInput), fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
