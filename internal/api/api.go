// Package api exposes the button agent over HTTP (chi).
//
// Routes:
//
//	GET  /                          health
//	GET  /buttons                   task definitions
//	POST /run/{task}                create and dispatch a job
//	GET  /status/{job}              single job
//	GET  /jobs?status=DONE          job list, optional status filter
//	POST /define_button             register a task definition
//	GET  /risk_limits               risk limit map from tasks.yaml
//	GET  /proposals                 pending create_button proposals
//	POST /proposals/{id}/approve    register a proposal
//	POST /proposals/{id}/reject     discard a proposal
//	GET  /metrics                   prometheus, when a gatherer is configured
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/button-agent/internal/controller"
	"github.com/ChuLiYu/button-agent/internal/jobmanager"
	"github.com/ChuLiYu/button-agent/internal/metrics"
	"github.com/ChuLiYu/button-agent/internal/notify"
	"github.com/ChuLiYu/button-agent/internal/registry"
	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// ServiceName reported by the health endpoint
const ServiceName = "button-agent"

// Service is the subset of the controller the HTTP layer needs
type Service interface {
	RunTask(ctx context.Context, taskName string) (types.JobID, error)
	GetJob(id types.JobID) (*types.Job, error)
	ListJobs(status types.JobStatus) []*types.Job
	ListTasks() []types.TaskDefinition
	DefineTask(def types.TaskDefinition) error
	RiskLimits() map[string]any
	Proposals() []notify.Proposal
	ApproveProposal(id string) (types.TaskDefinition, error)
	RejectProposal(id string) error
	Status() controller.Status
}

// RunResponse body of POST /run/{task}
type RunResponse struct {
	JobID    types.JobID     `json:"job_id"`
	TaskName string          `json:"task_name"`
	Status   types.JobStatus `json:"status"`
}

// Health body of GET /
type Health struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	TasksCount int    `json:"tasks_count"`
	ActiveJobs int    `json:"active_jobs"`
}

// Handler serves the HTTP API
type Handler struct {
	svc Service
}

// NewRouter builds the chi router; gatherer may be nil to disable /metrics
func NewRouter(svc Service, gatherer prometheus.Gatherer) chi.Router {
	h := &Handler{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/", h.health)
	r.Get("/buttons", h.listButtons)
	r.Post("/run/{task}", h.runTask)
	r.Get("/status/{job}", h.getJob)
	r.Get("/jobs", h.listJobs)
	r.Post("/define_button", h.defineButton)
	r.Get("/risk_limits", h.riskLimits)

	r.Route("/proposals", func(r chi.Router) {
		r.Get("/", h.listProposals)
		r.Post("/{id}/approve", h.approveProposal)
		r.Post("/{id}/reject", h.rejectProposal)
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}
	return r
}

// Server wraps http.Server with the router
type Server struct {
	srv *http.Server
}

// NewServer creates an HTTP server listening on addr
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
}

// ListenAndServe blocks until the server stops; a graceful Shutdown returns nil
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server graceful shutdown failed: %w", err)
	}
	slog.Info("http server stopped")
	return nil
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http_access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
			"dur", time.Since(start))
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()
	writeJSON(w, http.StatusOK, Health{
		Status:     "running",
		Service:    ServiceName,
		TasksCount: st.Tasks,
		ActiveJobs: st.Jobs[types.StatusRunning],
	})
}

func (h *Handler) listButtons(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListTasks())
}

func (h *Handler) runTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "task")
	id, err := h.svc.RunTask(r.Context(), name)
	if err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{JobID: id, TaskName: name, Status: types.StatusPending})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJob(types.JobID(chi.URLParam(r, "job")))
	if err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	var status types.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := types.ParseStatus(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	writeJSON(w, http.StatusOK, h.svc.ListJobs(status))
}

func (h *Handler) defineButton(w http.ResponseWriter, r *http.Request) {
	var def types.TaskDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.DefineTask(def); err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": fmt.Sprintf("Button '%s' created", def.Name),
	})
}

func (h *Handler) riskLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.RiskLimits())
}

func (h *Handler) listProposals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Proposals())
}

func (h *Handler) approveProposal(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.ApproveProposal(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *Handler) rejectProposal(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RejectProposal(chi.URLParam(r, "id")); err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobmanager.ErrUnknownTask),
		errors.Is(err, jobmanager.ErrJobNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, notify.ErrProposalNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateName),
		errors.Is(err, types.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
