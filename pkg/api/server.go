// Package api implements the REST surface of spec.md §4.10 and §6,
// grounded directly on the teacher's pkg/api/health.go: a plain
// http.ServeMux with json.NewEncoder responses, no router framework.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobstate"
	"github.com/ssahani/guestkit-worker/pkg/transport/httpqueue"
	"github.com/ssahani/guestkit-worker/pkg/worker"
)

// healthyWindow bounds how stale the worker's heartbeat may be before
// /api/v1/health reports "unhealthy".
const healthyWindow = 30 * time.Second

// envelope is the uniform response shape every endpoint returns.
type envelope struct {
	Success bool        `json:"success"`
	Data    any         `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Server serves the worker's REST API. Submit/status/result endpoints
// require the worker to be configured with the HTTP queue transport;
// capabilities and health work regardless of transport.
type Server struct {
	w    *worker.Worker
	mux  *http.ServeMux
	http *http.Server
}

// NewServer builds a Server bound to w and listening on addr.
func NewServer(w *worker.Worker, addr string) *Server {
	s := &Server{w: w, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /api/v1/jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /api/v1/jobs/{id}/result", s.handleGetResult)
	s.mux.HandleFunc("GET /api/v1/capabilities", s.handleCapabilities)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for embedding in another server.
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message}})
}

func (s *Server) httpQueue() (*httpqueue.Transport, bool) {
	q, ok := s.w.Transport().(*httpqueue.Transport)
	return q, ok
}

// handleSubmit validates and enqueues a job document, responding 201
// with {job_id, status:"submitted"}.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	q, ok := s.httpQueue()
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "worker is not configured with the HTTP queue transport")
		return
	}

	var doc job.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("malformed job document: %v", err))
		return
	}
	if err := job.Validate(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := q.Submit(&doc); err != nil {
		if errors.Is(err, httpqueue.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, envelope{
		Success: true,
		Data:    map[string]string{"job_id": doc.JobID, "status": "submitted"},
	})
}

// handleGetJob reports a job's current lifecycle state.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	q, ok := s.httpQueue()
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "worker is not configured with the HTTP queue transport")
		return
	}

	id := r.PathValue("id")
	state, ok := q.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("unknown job %s", id))
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    map[string]string{"job_id": id, "status": string(state)},
	})
}

// handleListJobs reports current and recently-terminated jobs, bounded to
// a fixed window.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q, ok := s.httpQueue()
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "worker is not configured with the HTTP queue transport")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: q.List()})
}

// handleGetResult returns a job's terminal result artefact.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	q, ok := s.httpQueue()
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "worker is not configured with the HTTP queue transport")
		return
	}

	id := r.PathValue("id")
	state, known := q.Status(id)
	if !known {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("unknown job %s", id))
		return
	}
	if !jobstate.IsTerminal(state) {
		writeError(w, http.StatusConflict, "NOT_READY", fmt.Sprintf("job %s is still %s", id, state))
		return
	}

	result, ok := q.Result(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no result recorded for job %s", id))
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

// handleCapabilities reports the worker's declared capabilities.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.w.Capabilities()})
}

// handleHealth reports "healthy" iff the worker's heartbeat has ticked
// within healthyWindow, "unhealthy" otherwise. The heartbeat runs apart
// from the fetch loop, so a stalled fetch loop is not detected here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	lastTick := s.w.LastTick()
	status := "healthy"
	code := http.StatusOK
	if lastTick.IsZero() || time.Since(lastTick) > healthyWindow {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, envelope{
		Success: status == "healthy",
		Data: map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC(),
		},
	})
}
