package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zenkai-ai/zenkai/internal/middleware"
)

// ListProjects returns all projects for the current user
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	projects, err := h.projectService.ListProjects(r.Context(), userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, projects)
}

// CreateProject creates a new project from the caller's first prompt
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Value string `json:"value"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	project, err := h.projectService.CreateProject(r.Context(), userID, req.Value)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, project)
}

// GetProject returns a single project owned by the current user
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	projectID := chi.URLParam(r, "projectId")

	project, err := h.projectService.GetProject(r.Context(), userID, projectID)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, project)
}
