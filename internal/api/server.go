// Package api exposes the HTTP interface for the recipe import service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/jobs"
	"github.com/JakeFAU/recipe-importer/internal/metrics"
	"github.com/JakeFAU/recipe-importer/internal/telemetry"
)

const (
	maxSubmitBodyBytes    = 1 << 20
	defaultOwnerHeader    = "X-User-ID"
	defaultRequestTimeout = 30 * time.Second
	idempotencyHeader     = "Idempotency-Key"
)

// JobService is the admission surface the handlers drive.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.SubmitResult, error)
	GetStatus(ctx context.Context, jobID, owner string) (importer.Job, error)
	ListJobs(ctx context.Context, owner string, limit, offset int) ([]importer.Job, error)
	Cancel(ctx context.Context, jobID, owner string) error
	Upload(ctx context.Context, owner string, body io.Reader) (string, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Options configures the HTTP surface.
type Options struct {
	// OwnerHeader names the header carrying the authenticated caller.
	OwnerHeader string
	// APIKey, when set, is required in X-API-Key on /v1 routes.
	APIKey         string
	RequestTimeout time.Duration
	Readiness      map[string]ReadinessCheck
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router chi.Router
	jobs   JobService
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc JobService, opts Options, logger *zap.Logger) *Server {
	if opts.OwnerHeader == "" {
		opts.OwnerHeader = defaultOwnerHeader
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{jobs: svc, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Use(ownerMiddleware(opts.OwnerHeader))

		r.Post("/uploads", s.upload)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
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
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.opts.Readiness {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	SourceKind     string   `json:"source_kind"`
	SourceLocator  string   `json:"source_locator"`
	SourceLocators []string `json:"source_locators"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	locator := req.SourceLocator
	if len(req.SourceLocators) > 0 {
		locator = strings.Join(append([]string{locator}, req.SourceLocators...), "\n")
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(idempotencyHeader)
	}

	res, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		OwnerID:        ownerFrom(r.Context()),
		SourceKind:     req.SourceKind,
		SourceLocator:  locator,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if res.Replayed {
		s.writeJSON(w, http.StatusOK, newJobView(res.Job))
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+res.Job.ID)
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"job_id": res.Job.ID,
		"status": string(res.Job.Status),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetStatus(r.Context(), chi.URLParam(r, "job_id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	list, err := s.jobs.ListJobs(r.Context(), ownerFrom(r.Context()), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, newJobView(job))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"), ownerFrom(r.Context())); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	locator, err := s.jobs.Upload(r.Context(), ownerFrom(r.Context()), r.Body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"locator": locator})
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

// jobView is the wire shape of a job.
type jobView struct {
	JobID           string     `json:"job_id"`
	Status          string     `json:"status"`
	SourceKind      string     `json:"source_kind"`
	ProgressPercent int        `json:"progress_percent"`
	StatusMessage   string     `json:"status_message"`
	ResultRecipeID  string     `json:"result_recipe_id,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func newJobView(job importer.Job) jobView {
	return jobView{
		JobID:           job.ID,
		Status:          string(job.Status),
		SourceKind:      string(job.SourceKind),
		ProgressPercent: job.ProgressPercent,
		StatusMessage:   job.StatusMessage,
		ResultRecipeID:  job.ResultRecipeID,
		ErrorCode:       string(job.ErrorCode),
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *importer.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, importer.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, importer.ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
