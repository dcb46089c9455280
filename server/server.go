// Package server exposes the request/response API and the websocket push
// channel. All mutation flows through the request handlers; the push
// channel is strictly server-to-client.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskwire/taskwire/changebus"
	apperrors "github.com/taskwire/taskwire/errors"
	"github.com/taskwire/taskwire/model"
	"github.com/taskwire/taskwire/service"
)

// Server wires the task service and the change bus into HTTP handlers.
type Server struct {
	svc *service.TaskService
	bus changebus.Bus
	log *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// New returns a Server.
func New(svc *service.TaskService, bus changebus.Bus, opts ...Option) *Server {
	s := &Server{svc: svc, bus: bus, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table. When reg is non-nil a /metrics endpoint
// is served from it.
func (s *Server) Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleAddTask)
	mux.HandleFunc("PUT /api/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("PUT /api/tasks/{id}/complete", s.handleSetCompletion)
	mux.HandleFunc("POST /api/tasks/{id}/lock", s.handleLockTask)
	mux.HandleFunc("POST /api/tasks/{id}/unlock", s.handleUnlockTask)
	mux.HandleFunc("GET /api/users", s.handleListUsers)
	mux.HandleFunc("GET /api/tags", s.handleListTags)
	mux.HandleFunc("GET /ws", s.handlePush)
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Persistence
// failures surface as 500 for this request; the process keeps serving.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperrors.ErrTitleRequired), errors.Is(err, apperrors.ErrTitleTooLong):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrLocked):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pathID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.GetAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var task model.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "malformed task", http.StatusBadRequest)
		return
	}
	saved, err := s.svc.Add(r.Context(), task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "malformed id", http.StatusBadRequest)
		return
	}
	var task model.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "malformed task", http.StatusBadRequest)
		return
	}
	saved, err := s.svc.Update(r.Context(), id, task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "malformed id", http.StatusBadRequest)
		return
	}
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "malformed id", http.StatusBadRequest)
		return
	}
	var done bool
	if err := json.NewDecoder(r.Body).Decode(&done); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	saved, err := s.svc.SetCompletion(r.Context(), id, done)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleLockTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "malformed id", http.StatusBadRequest)
		return
	}
	var owner string
	if err := json.NewDecoder(r.Body).Decode(&owner); err != nil || owner == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return
	}
	acquired, err := s.svc.Acquire(r.Context(), id, owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !acquired {
		http.Error(w, "task is already locked or not found", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnlockTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "malformed id", http.StatusBadRequest)
		return
	}
	// The owner is optional and unverified.
	var owner string
	_ = json.NewDecoder(r.Body).Decode(&owner)

	released, err := s.svc.Release(r.Context(), id, owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !released {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Users(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.svc.Tags(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tags)
}
