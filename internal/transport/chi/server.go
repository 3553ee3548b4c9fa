// Package chi exposes the pipeline control API over HTTP.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
	healthuc "github.com/kailas-cloud/datarefresh/internal/usecase/health"
)

// JobService drives refresh jobs.
type JobService interface {
	Submit(dataset string, action domain.Action) (domain.Job, error)
	Status(dataset string) (domain.Job, error)
	Cancel(dataset string) (domain.Job, error)
}

// AliasService reads and repoints dataset aliases.
type AliasService interface {
	Live(ctx context.Context, dataset string) (domain.Generation, error)
	List(ctx context.Context, dataset string) ([]domain.Generation, error)
	Rollback(ctx context.Context, dataset string) (domain.Generation, error)
}

// HealthService reports dependency readiness.
type HealthService interface {
	Check(ctx context.Context) healthuc.Report
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server is the HTTP API server.
type Server struct {
	jobs          JobService
	aliases       AliasService
	health        HealthService
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(jobs JobService, aliases AliasService, health HealthService, logger *zap.Logger) *Server {
	s := &Server{
		jobs:    jobs,
		aliases: aliases,
		health:  health,
		logger:  logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrUnknownDataset, http.StatusNotFound, "unknown_dataset"),
		sentinelHandler(domain.ErrJobNotFound, http.StatusNotFound, "job_not_found"),
		sentinelHandler(domain.ErrUnknownAction, http.StatusBadRequest, "unknown_action"),
		sentinelHandler(domain.ErrBusy, http.StatusConflict, "busy"),
		sentinelHandler(domain.ErrNotCancellable, http.StatusConflict, "not_cancellable"),
		sentinelHandler(domain.ErrNoRollbackTarget, http.StatusConflict, "no_rollback_target"),
		sentinelHandler(domain.ErrGenerationLive, http.StatusConflict, "generation_live"),
	}
	return s
}

// Routes mounts the API on a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.SubmitJob)
		r.Get("/jobs/{dataset}", s.GetJob)
		r.Delete("/jobs/{dataset}", s.CancelJob)
		r.Get("/aliases/{dataset}", s.GetAlias)
		r.Post("/aliases/{dataset}/rollback", s.RollbackAlias)
	})
	r.Get("/healthz", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

type submitJobRequest struct {
	Dataset string `json:"dataset"`
	Action  string `json:"action"`
}

type jobResponse struct {
	ID             string     `json:"id"`
	Dataset        string     `json:"dataset"`
	Action         string     `json:"action"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	LiveGeneration string     `json:"live_generation,omitempty"`
}

type generationResponse struct {
	ID          string     `json:"id"`
	Dataset     string     `json:"dataset"`
	State       string     `json:"state"`
	Index       string     `json:"index"`
	CreatedAt   time.Time  `json:"created_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
	RecordCount int        `json:"record_count"`
	DocCount    int        `json:"doc_count"`
}

type aliasResponse struct {
	Dataset     string               `json:"dataset"`
	Live        *generationResponse  `json:"live"`
	Generations []generationResponse `json:"generations"`
}

// SubmitJob handles POST /api/v1/jobs.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	if req.Dataset == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "Dataset is required")
		return
	}

	action, err := domain.ParseAction(req.Action)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	job, err := s.jobs.Submit(req.Dataset, action)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

// GetJob handles GET /api/v1/jobs/{dataset}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(chi.URLParam(r, "dataset"))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// CancelJob handles DELETE /api/v1/jobs/{dataset}.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(chi.URLParam(r, "dataset"))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

// GetAlias handles GET /api/v1/aliases/{dataset}.
func (s *Server) GetAlias(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "dataset")
	if _, err := dataset.Lookup(name); err != nil {
		s.handleDomainError(w, err)
		return
	}

	live, err := s.aliases.Live(r.Context(), name)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	gens, err := s.aliases.List(r.Context(), name)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	resp := aliasResponse{
		Dataset:     name,
		Generations: make([]generationResponse, len(gens)),
	}
	for i, g := range gens {
		resp.Generations[i] = generationToResponse(g)
	}
	if live.ID != "" {
		lg := generationToResponse(live)
		resp.Live = &lg
	}
	writeJSON(w, http.StatusOK, resp)
}

// RollbackAlias handles POST /api/v1/aliases/{dataset}/rollback.
func (s *Server) RollbackAlias(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "dataset")
	if _, err := dataset.Lookup(name); err != nil {
		s.handleDomainError(w, err)
		return
	}

	gen, err := s.aliases.Rollback(r.Context(), name)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generationToResponse(gen))
}

// HealthCheck handles GET /healthz.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func jobToResponse(j domain.Job) jobResponse {
	resp := jobResponse{
		ID:             j.ID,
		Dataset:        j.Dataset,
		Action:         string(j.Action),
		State:          string(j.State),
		StartedAt:      j.StartedAt,
		ErrorKind:      j.ErrorKind,
		ErrorMessage:   j.ErrorMsg,
		LiveGeneration: j.LiveGeneration,
	}
	if !j.EndedAt.IsZero() {
		t := j.EndedAt
		resp.EndedAt = &t
	}
	return resp
}

func generationToResponse(g domain.Generation) generationResponse {
	resp := generationResponse{
		ID:          g.ID,
		Dataset:     g.Dataset,
		State:       string(g.State),
		Index:       g.IndexName(),
		CreatedAt:   g.CreatedAt,
		RecordCount: g.RecordCount,
		DocCount:    g.DocCount,
	}
	if !g.RetiredAt.IsZero() {
		t := g.RetiredAt
		resp.RetiredAt = &t
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrUnknownDataset,
		domain.ErrUnknownAction,
		domain.ErrJobNotFound,
		domain.ErrBusy,
		domain.ErrNotCancellable,
		domain.ErrNoRollbackTarget,
		domain.ErrGenerationLive,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
