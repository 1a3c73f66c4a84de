package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// CreateTaskRequest is the task submission body.
type CreateTaskRequest struct {
	Query          string `json:"query"`
	UserID         string `json:"user_id,omitempty"`
	OptIn          bool   `json:"opt_in,omitempty"`
	FeedbackToggle bool   `json:"feedback_toggle,omitempty"`
}

// Feedback is one user reaction to a task or one of its sections.
type Feedback struct {
	TaskID    string    `json:"task_id"`
	Text      string    `json:"feedback,omitempty"`
	Reaction  *string   `json:"reaction,omitempty"`
	Section   string    `json:"section,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// handleCreateTask submits a new task and returns its state document.
// The document is returned immediately; clients poll for progress.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	svc := s.svc(r)

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a query field")
		return
	}

	task := svc.Supervisor.Submit(req.Query, req.UserID)
	s.logger.Info("task submitted", "task_id", task.ID, "user_id", req.UserID)
	writeJSON(w, http.StatusAccepted, task)
}

// handleGetTask returns the current task state document.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.svc(r).Store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelTask requests cooperative cancellation.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc(r).Supervisor.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleFeedback records a reaction or free-text feedback. Reactions
// and text share one shape; both fields are optional but a reaction,
// when present, must be "+1" or "-1".
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.svc(r).Store.Get(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	var fb Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON")
		return
	}
	if fb.Reaction != nil && *fb.Reaction != "+1" && *fb.Reaction != "-1" {
		writeError(w, http.StatusBadRequest, `reaction must be "+1" or "-1"`)
		return
	}
	if fb.Reaction == nil && strings.TrimSpace(fb.Text) == "" {
		writeError(w, http.StatusBadRequest, "feedback needs a reaction or text")
		return
	}

	fb.TaskID = id
	fb.CreatedAt = time.Now().UTC()
	s.feedbackMu.Lock()
	s.feedback[id] = append(s.feedback[id], fb)
	s.feedbackMu.Unlock()

	s.logger.Info("feedback recorded", "task_id", id, "has_reaction", fb.Reaction != nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth returns basic server health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TaskFeedback returns the feedback recorded for a task.
func (s *Server) TaskFeedback(id string) []Feedback {
	s.feedbackMu.Lock()
	defer s.feedbackMu.Unlock()
	return append([]Feedback(nil), s.feedback[id]...)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
