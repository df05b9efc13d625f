package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/taskwatch/app/tracker"
)

// APITasksResponse is the JSON response for GET /api/v1/tasks
type APITasksResponse struct {
	Tasks  []APITask `json:"tasks"`
	Active int       `json:"active"`
}

// APITask represents a task in JSON API response. Logs set only for a single task request.
type APITask struct {
	ID            int          `json:"id"`
	Label         string       `json:"label"`
	Progress      *float64     `json:"progress"` // null until the first progress update
	Status        string       `json:"status"`
	Error         bool         `json:"error"`
	Indeterminate bool         `json:"indeterminate"`
	Active        bool         `json:"active"`
	Started       time.Time    `json:"started"`
	LogCount      int          `json:"log_count"`
	Logs          []APILogLine `json:"logs,omitempty"`
}

// APILogLine is a single line of task output
type APILogLine struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message"`
}

// APICreateRequest is the body of POST /api/v1/tasks
type APICreateRequest struct {
	Label string `json:"label"`
}

// APICreateResponse is the JSON response for POST /api/v1/tasks
type APICreateResponse struct {
	ID int `json:"id"`
}

func toAPITask(t tracker.Task, withLogs bool) APITask {
	res := APITask{
		ID:            t.ID,
		Label:         t.Label,
		Status:        t.Status,
		Error:         t.Error,
		Indeterminate: t.Indeterminate,
		Active:        t.IsActive(),
		Started:       time.Unix(t.Started, 0).UTC(),
		LogCount:      len(t.Logs),
	}
	if t.HasProgress {
		p := t.Progress
		res.Progress = &p
	}
	if withLogs {
		res.Logs = make([]APILogLine, 0, len(t.Logs))
		for _, l := range t.Logs {
			res.Logs = append(res.Logs, APILogLine{Time: l.Time, Level: l.Level.String(), Sender: l.Sender, Message: l.Message})
		}
	}
	return res
}

// handleListTasks returns all tasks, newest first
func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.tracker.Tasks()
	resp := APITasksResponse{Tasks: make([]APITask, 0, len(tasks)), Active: s.tracker.Active()}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toAPITask(t, false))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetTask returns a single task with its log lines
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	task, found := s.tracker.Task(id)
	if !found {
		s.writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toAPITask(task, true))
}

// handleCreateTask registers a new task, the id is what the worker uses as event ref
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req APICreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		s.writeJSONError(w, http.StatusBadRequest, "label required")
		return
	}
	id := s.tracker.Create(label)
	log.Printf("[INFO] task %d %q created via api", id, label)
	s.writeJSON(w, http.StatusCreated, APICreateResponse{ID: id})
}

// handleDeleteTask removes task from the tracker
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if !s.tracker.Remove(id) {
		s.writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": id})
}

// taskID parses {id} path value, writes bad request response on failure
func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "invalid task ID")
		return 0, false
	}
	return id, true
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
