// Package ops is the operational HTTP surface: liveness, readiness, metrics,
// and a small task-run API for launching and inspecting jobs.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/metrics"
	"github.com/akashsinga/quantpulse/internal/store"
	"github.com/akashsinga/quantpulse/internal/tasks"
)

// Pinger is anything whose backing connection can be checked.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc adapts a plain function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Server hosts the ops endpoints.
type Server struct {
	addr    string
	svc     *tasks.Service
	taskDB  *store.TaskRepo
	bars    *store.OHLCVRepo
	m       *metrics.Registry
	db      Pinger
	shared  Pinger
	httpSrv *http.Server
}

func NewServer(addr string, svc *tasks.Service, taskDB *store.TaskRepo, bars *store.OHLCVRepo, m *metrics.Registry, db, shared Pinger) *Server {
	return &Server{
		addr:   addr,
		svc:    svc,
		taskDB: taskDB,
		bars:   bars,
		m:      m,
		db:     db,
		shared: shared,
	}
}

// Router builds the route table; exposed for handler tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.m.Prometheus(), promhttp.HandlerOpts{}))

	r.HandleFunc("/tasks/types", s.handleTaskTypes).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/steps", s.handleTaskSteps).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/logs", s.handleTaskLogs).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/retry", s.handleRetryTask).Methods(http.MethodPost)

	r.HandleFunc("/coverage", s.handleCoverage).Methods(http.MethodGet)
	return r
}

// Start serves until ctx is done, then drains with a short grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("ops server listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady checks both substrates. A down shared-state store means
// ingestion cannot acquire tokens, so readiness fails with it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "shared_state": "ok"}
	status := http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.shared.PingContext(ctx); err != nil {
		checks["shared_state"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

func (s *Server) handleTaskTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"task_types": tasks.Registered()})
}

type createTaskRequest struct {
	TaskType string        `json:"task_type"`
	Title    string        `json:"title"`
	Params   domain.Params `json:"params"`
}

// handleCreateTask records a run and executes it in the background; the
// caller polls the run ID for completion.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if _, ok := tasks.Lookup(req.TaskType); !ok {
		writeError(w, http.StatusBadRequest, "unknown task type "+req.TaskType)
		return
	}
	if req.Title == "" {
		req.Title = req.TaskType
	}

	run, err := s.svc.Create(r.Context(), req.TaskType, req.TaskType, req.Title, req.Params, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	go func() {
		if err := s.svc.Execute(context.Background(), run); err != nil {
			log.Error().Str("task_run_id", run.ID.String()).Err(err).
				Msg("task run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "task run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.svc.Delete(r.Context(), id, force); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	steps, err := s.taskDB.Steps(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	logs, err := s.taskDB.Logs(r.Context(), id, 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, err := s.svc.Retry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	go func() {
		if err := s.svc.Execute(context.Background(), run); err != nil {
			log.Error().Str("task_run_id", run.ID.String()).Err(err).
				Msg("retried task run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.bars.Coverage(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task run id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
