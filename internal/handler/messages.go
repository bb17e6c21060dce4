package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zenkai-ai/zenkai/internal/middleware"
)

// ListMessages returns a project's conversation, oldest message first
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	projectID := chi.URLParam(r, "projectId")

	messages, err := h.messageService.ListMessages(r.Context(), userID, projectID)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, messages)
}

// CreateMessage appends a user message and queues an agent run
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	projectID := chi.URLParam(r, "projectId")

	var req struct {
		Value string `json:"value"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	message, err := h.messageService.CreateMessage(r.Context(), userID, projectID, req.Value)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, message)
}
