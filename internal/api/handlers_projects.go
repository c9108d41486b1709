package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"imapsyncd/internal/core"
	"imapsyncd/internal/store"

	"github.com/go-chi/chi/v5"
)

type accountPayload struct {
	SourceEmail string `json:"source_email"`
	TargetEmail string `json:"target_email"`
	Password    string `json:"password"`
	Subfolder   string `json:"subfolder"`
}

type createProjectRequest struct {
	Name         string           `json:"name"`
	OldServer    string           `json:"old_server"`
	NewServer    string           `json:"new_server"`
	SyncInterval int              `json:"sync_interval"`
	Schedule     string           `json:"schedule"`
	Options      map[string]any   `json:"options"`
	Accounts     []accountPayload `json:"accounts"`
}

type updateProjectRequest struct {
	Name         *string           `json:"name"`
	OldServer    *string           `json:"old_server"`
	NewServer    *string           `json:"new_server"`
	SyncInterval *int              `json:"sync_interval"`
	Schedule     *string           `json:"schedule"`
	Options      *map[string]any   `json:"options"`
	Accounts     *[]accountPayload `json:"accounts"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.OldServer = strings.TrimSpace(req.OldServer)
	req.NewServer = strings.TrimSpace(req.NewServer)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if req.OldServer == "" || req.NewServer == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "old_server and new_server are required")
		return
	}
	if req.SyncInterval < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "sync_interval must be non-negative")
		return
	}
	if req.Schedule != "" {
		if _, err := core.ParseCron(req.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
			return
		}
	}
	accounts, err := toAccounts(req.Accounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	project := &core.Project{
		ID:           core.NewID(),
		Name:         req.Name,
		OldServer:    req.OldServer,
		NewServer:    req.NewServer,
		SyncInterval: req.SyncInterval,
		Schedule:     strings.TrimSpace(req.Schedule),
		Options:      req.Options,
		Accounts:     accounts,
	}
	if err := s.store.InsertProject(r.Context(), project); err != nil {
		if errors.Is(err, store.ErrProjectExists) {
			writeError(w, http.StatusConflict, "conflict", "project name already exists")
			return
		}
		s.logger.Error("insert project", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.logger.Error("list projects", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*core.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "project not found")
		} else {
			s.logger.Error("get project", "project_id", projectID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load project")
		}
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "project not found")
		} else {
			s.logger.Error("get project for update", "project_id", projectID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load project")
		}
		return
	}

	var req updateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "name cannot be empty")
			return
		}
		project.Name = name
	}
	if req.OldServer != nil {
		project.OldServer = strings.TrimSpace(*req.OldServer)
	}
	if req.NewServer != nil {
		project.NewServer = strings.TrimSpace(*req.NewServer)
	}
	if req.SyncInterval != nil {
		if *req.SyncInterval < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "sync_interval must be non-negative")
			return
		}
		project.SyncInterval = *req.SyncInterval
	}
	if req.Schedule != nil {
		schedule := strings.TrimSpace(*req.Schedule)
		if schedule != "" {
			if _, err := core.ParseCron(schedule); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
				return
			}
		}
		project.Schedule = schedule
	}
	if req.Options != nil {
		project.Options = *req.Options
	}
	if req.Accounts != nil {
		accounts, err := toAccounts(*req.Accounts)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		project.Accounts = accounts
	}

	if err := s.store.UpdateProject(r.Context(), project); err != nil {
		switch {
		case errors.Is(err, store.ErrProjectNotFound):
			writeError(w, http.StatusNotFound, "not_found", "project not found")
		case errors.Is(err, store.ErrProjectExists):
			writeError(w, http.StatusConflict, "conflict", "project name already exists")
		default:
			s.logger.Error("update project", "project_id", projectID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to update project")
		}
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.store.DeleteProject(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "project not found")
		} else {
			s.logger.Error("delete project", "project_id", projectID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete project")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toAccounts(payloads []accountPayload) ([]core.Account, error) {
	accounts := make([]core.Account, 0, len(payloads))
	for _, p := range payloads {
		source := strings.TrimSpace(p.SourceEmail)
		if source == "" {
			return nil, errors.New("account source_email is required")
		}
		accounts = append(accounts, core.Account{
			SourceEmail: source,
			TargetEmail: strings.TrimSpace(p.TargetEmail),
			Password:    p.Password,
			Subfolder:   strings.TrimSpace(p.Subfolder),
		})
	}
	return accounts, nil
}
