// Package api exposes the administrative HTTP API. Handlers only call the
// scheduler; they never touch a running crawl directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/engine"
	"github.com/IshaanNene/seocrawl/internal/observability"
	"github.com/IshaanNene/seocrawl/internal/types"
)

// Controller is the subset of the scheduler the API drives.
type Controller interface {
	RegisterTenant(ctx context.Context, tenant *types.Tenant) error
	TriggerCrawl(ctx context.Context, tenantID string, source types.TriggerSource) (*types.CrawlJob, bool, error)
	CancelCrawl(ctx context.Context, tenantID string) (bool, error)
	ScheduleCrawl(ctx context.Context, tenantID string, cadence types.Cadence) (*types.Schedule, error)
	ActiveJob(ctx context.Context, tenantID string) (*types.CrawlJob, error)
	Job(ctx context.Context, jobID string) (*types.CrawlJob, error)
	Jobs(ctx context.Context, tenantID string, limit int) ([]*types.CrawlJob, error)
	LiveProgress(jobID string) (engine.Progress, bool)
}

// Server provides the REST API for tenants and crawl jobs.
type Server struct {
	router  chi.Router
	cfg     config.APIConfig
	ctrl    Controller
	metrics *observability.Metrics
	logger  *slog.Logger
}

// JobView is a job plus the live progress of a crawl running in this
// process.
type JobView struct {
	*types.CrawlJob
	Live *engine.Progress `json:"live,omitempty"`
}

// NewServer creates the API server. metrics may be nil.
func NewServer(cfg config.APIConfig, ctrl Controller, metrics *observability.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		metrics: metrics,
		logger:  logger.With("component", "api_server"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(1 << 20))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.RequestsPerMin > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RequestsPerMin, time.Minute))
		}
		r.Use(s.logRequests)

		r.Put("/tenants/{tenant}", s.handleRegisterTenant)
		r.Post("/tenants/{tenant}/crawls", s.handleTrigger)
		r.Delete("/tenants/{tenant}/crawls", s.handleCancel)
		r.Get("/tenants/{tenant}/crawls", s.handleListJobs)
		r.Get("/tenants/{tenant}/crawls/active", s.handleActive)
		r.Put("/tenants/{tenant}/schedule", s.handleSchedule)
		r.Get("/jobs/{id}", s.handleGetJob)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) handleRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SeedURL string          `json:"seed_url"`
		Config  types.JobConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	tenant := &types.Tenant{ID: chi.URLParam(r, "tenant"), SeedURL: body.SeedURL, Config: body.Config}
	if err := s.ctrl.RegisterTenant(r.Context(), tenant); err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, tenant)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	job, isNew, err := s.ctrl.TriggerCrawl(r.Context(), chi.URLParam(r, "tenant"), types.TriggerAPI)
	if err != nil {
		s.handleError(w, err)
		return
	}
	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	s.jsonResponse(w, status, map[string]any{
		"job":    job,
		"is_new": isNew,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.ctrl.CancelCrawl(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no active crawl")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctrl.ActiveJob(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	if job == nil {
		s.errorResponse(w, http.StatusNotFound, "no active crawl")
		return
	}
	s.jsonResponse(w, http.StatusOK, s.view(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be 1-200")
			return
		}
		limit = n
	}
	jobs, err := s.ctrl.Jobs(r.Context(), chi.URLParam(r, "tenant"), limit)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*types.CrawlJob{}
	}
	s.jsonResponse(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctrl.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.view(job))
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cadence string `json:"cadence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cadence, err := types.ParseCadence(body.Cadence)
	if err != nil {
		s.handleError(w, err)
		return
	}
	sched, err := s.ctrl.ScheduleCrawl(r.Context(), chi.URLParam(r, "tenant"), cadence)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if sched == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.jsonResponse(w, http.StatusOK, sched)
}

func (s *Server) view(job *types.CrawlJob) JobView {
	v := JobView{CrawlJob: job}
	if p, ok := s.ctrl.LiveProgress(job.ID); ok {
		v.Live = &p
	}
	return v
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	var cfgErr *types.ConfigError
	switch {
	case errors.Is(err, types.ErrNoTenant), errors.Is(err, types.ErrJobNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrTenantBusy):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.As(err, &cfgErr):
		s.errorResponse(w, http.StatusBadRequest, cfgErr.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	s.jsonResponse(w, status, map[string]string{"error": msg})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}
