package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/xorthonl/solverq/internal/task"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

// clientIP prefers X-Forwarded-For (set by the fronting proxy), falling back
// to the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type createTaskRequest struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Timeout     int            `json:"timeout,omitempty"` // seconds
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !s.limiter.Allow(ip) {
		writeErr(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Type == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}
	if len(req.Payload) == 0 {
		writeErr(w, http.StatusBadRequest, "validation_error", "payload is required")
		return
	}

	// Reject unknown task types here instead of queueing a task that can
	// only fail one worker-cycle later.
	if !s.solvers.Available(req.Type) {
		writeErr(w, http.StatusBadRequest, "validation_error", "unsupported task type: "+req.Type)
		return
	}

	id, err := s.tasks.Create(r.Context(), req.Type, req.Payload, task.CreateOptions{
		ClientIP:    ip,
		UserAgent:   r.UserAgent(),
		Timeout:     time.Duration(req.Timeout) * time.Second,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			writeErr(w, http.StatusServiceUnavailable, "queue_full", "try again later")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createTaskResponse{
		TaskID: id,
		Status: string(task.StatusPending),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	view := s.tasks.Result(r.Context(), id)
	if view == nil {
		writeErr(w, http.StatusNotFound, "not_found", "task not found")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.tasks.Cancel(id) {
		writeErr(w, http.StatusConflict, "not_cancellable", "task is unknown or already finished")
		return
	}

	s.logger.Info("task cancelled via API", zap.String("task_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "cancelled": true})
}

type listActiveResponse struct {
	Items []task.Summary `json:"items"`
	Count int            `json:"count"`
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	items := s.tasks.ActiveTasks()
	writeJSON(w, http.StatusOK, listActiveResponse{Items: items, Count: len(items)})
}

func (s *Server) handleListSolvers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"available": s.solvers.AvailableTypes(),
		"solvers":   s.solvers.AllInfo(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":      s.tasks.Stats(r.Context()),
		"solvers":    s.solvers.Stats(),
		"rate_limit": s.limiter.GlobalStats(),
	})
}

func (s *Server) handleClientLimits(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, s.limiter.ClientStats(id))
}
