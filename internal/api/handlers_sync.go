package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"imapsyncd/internal/core"
	"imapsyncd/internal/store"

	"github.com/go-chi/chi/v5"
)

type startSyncRequest struct {
	// Accounts selects source emails from the project; empty means all.
	Accounts []string `json:"accounts"`
	// IntervalMinutes overrides the project's sync_interval when set.
	IntervalMinutes *int `json:"interval_minutes"`
	// Schedule, when set, drives recurrence from a cron expression instead
	// of a fixed interval.
	Schedule string `json:"schedule"`
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "project not found")
		} else {
			s.logger.Error("get project for sync", "project_id", projectID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load project")
		}
		return
	}

	var req startSyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}
	if req.IntervalMinutes != nil && *req.IntervalMinutes < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "interval_minutes must be non-negative")
		return
	}

	accounts := selectAccounts(project.Accounts, req.Accounts)

	schedule := strings.TrimSpace(req.Schedule)
	if schedule == "" {
		schedule = project.Schedule
	}

	var taskID string
	if schedule != "" {
		taskID, err = s.scheduler.SubmitScheduled(project, accounts, schedule)
	} else {
		interval := project.SyncInterval
		if req.IntervalMinutes != nil {
			interval = *req.IntervalMinutes
		}
		taskID, err = s.scheduler.Submit(project, accounts, interval)
	}
	if err != nil {
		if errors.Is(err, core.ErrNoAccounts) {
			writeError(w, http.StatusBadRequest, "invalid_input", "no accounts selected")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := core.ParseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.FilterTasks(filter))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	view, ok := s.scheduler.Task(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	view, ok := s.scheduler.Task(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}

	lines := view.Logs
	if grep := strings.TrimSpace(r.URL.Query().Get("grep")); grep != "" {
		needle := strings.ToLower(grep)
		filtered := lines[:0:0]
		for _, line := range lines {
			if strings.Contains(strings.ToLower(line), needle) {
				filtered = append(filtered, line)
			}
		}
		lines = filtered
	}
	if tail := parseIntDefault(r.URL.Query().Get("tail"), 0); tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range lines {
		_, _ = w.Write([]byte(line + "\n"))
	}
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.scheduler.Stop(taskID); err != nil {
		if errors.Is(err, core.ErrNotRunning) {
			writeError(w, http.StatusConflict, "not_running", "task is not running")
			return
		}
		s.logger.Error("stop task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stop task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setExpandedRequest struct {
	Expanded bool `json:"expanded"`
}

func (s *Server) handleSetExpanded(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req setExpandedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if err := s.scheduler.SetExpanded(taskID, req.Expanded); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "q is required")
		return
	}
	matches := s.scheduler.SearchLogs(term)
	if matches == nil {
		matches = []core.SearchMatch{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="logs_export.txt"`)
	if err := s.scheduler.ExportLogs(w); err != nil {
		s.logger.Error("export logs", "err", err)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Summarize())
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if s.sampler == nil {
		writeError(w, http.StatusNotFound, "not_found", "system sampling disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.sampler.Snapshot(r.Context()))
}

func selectAccounts(all []core.Account, selected []string) []core.Account {
	if len(selected) == 0 {
		return all
	}
	want := make(map[string]bool, len(selected))
	for _, email := range selected {
		want[strings.ToLower(strings.TrimSpace(email))] = true
	}
	var accounts []core.Account
	for _, acc := range all {
		if want[strings.ToLower(acc.SourceEmail)] {
			accounts = append(accounts, acc)
		}
	}
	return accounts
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
