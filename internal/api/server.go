// Package api exposes the HTTP interface for the crawl job engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sitegraph/crawler/internal/aggregate"
	"github.com/sitegraph/crawler/internal/crawl"
	"github.com/sitegraph/crawler/internal/metrics"
)

// Config controls the HTTP surface.
type Config struct {
	// APIKey enables key auth on the /v1 routes when non-empty.
	APIKey string
	// RequestTimeout bounds each request (default 60s).
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the job store. Jobs are created pending;
// the scheduler loop picks them up out of band.
type Server struct {
	router   chi.Router
	store    crawl.JobStore
	idGen    crawl.IDGenerator
	clock    crawl.Clock
	logger   *zap.Logger
	registry *prometheus.Registry
	cfg      Config
}

// NewServer constructs a Server with middleware and routes. The registry is
// optional; when nil the /metrics endpoint serves an empty registry.
func NewServer(store crawl.JobStore, idGen crawl.IDGenerator, clock crawl.Clock, registry *prometheus.Registry, logger *zap.Logger, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		store:    store,
		idGen:    idGen,
		clock:    clock,
		logger:   logger,
		registry: registry,
		cfg:      cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if httpMetrics, err := metrics.NewHTTP(registry); err != nil {
		logger.Warn("register http metrics", zap.Error(err))
	} else {
		r.Use(httpMetrics.Middleware())
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
				r.Delete("/", s.deleteJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; probe it with a lookup that is
	// expected to miss.
	if _, err := s.store.GetJob(r.Context(), "readyz-probe"); err != nil && !errors.Is(err, crawl.ErrNotFound) {
		writeError(s.logger, w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type createJobRequest struct {
	StartURL string           `json:"start_url"`
	Options  crawl.JobOptions `json:"options"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.StartURL == "" {
		writeError(s.logger, w, http.StatusBadRequest, "start_url is required")
		return
	}
	startURL, err := crawl.NormalizeURL(req.StartURL)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "start_url must be an absolute http(s) url")
		return
	}
	if err := req.Options.Validate(); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "generate job id")
		return
	}
	job := crawl.Job{
		ID:        jobID,
		StartURL:  startURL,
		Status:    crawl.JobStatusPending,
		Options:   req.Options,
		Submitted: s.clock.Now(),
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "create job")
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(job.Status),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.jobError(w, jobID, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, job)
}

// getJobResult serves the aggregated result once the job is terminal. In
// content mode that is the parent/child page tree plus the page records; in
// sitemap mode the graph rides along on the job itself.
func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.jobError(w, jobID, err)
		return
	}
	if !job.Status.IsTerminal() {
		writeError(s.logger, w, http.StatusConflict, "job is not finished")
		return
	}

	result := crawl.Result{Job: job}
	if job.Options.Mode == crawl.ModeContent {
		pages, err := s.store.ListPages(r.Context(), jobID)
		if err != nil {
			s.logger.Error("list pages failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(s.logger, w, http.StatusInternalServerError, "load job pages")
			return
		}
		result.Pages = pages
		result.Tree = aggregate.BuildTree(job.StartURL, pages)
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.store.RequestCancel(r.Context(), jobID); err != nil {
		s.jobError(w, jobID, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{
		"job_id":           jobID,
		"cancel_requested": true,
	})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.store.DeleteJob(r.Context(), jobID); err != nil {
		s.jobError(w, jobID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, crawl.ErrNotFound) {
		writeError(s.logger, w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("job store error", zap.String("job_id", jobID), zap.Error(err))
	writeError(s.logger, w, http.StatusInternalServerError, "job store error")
}

type requestIDKey struct{}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID set by the middleware, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := contextWithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON response failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
