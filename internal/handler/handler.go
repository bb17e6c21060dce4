// Package handler contains the HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zenkai-ai/zenkai/internal/config"
	"github.com/zenkai-ai/zenkai/internal/events"
	"github.com/zenkai-ai/zenkai/internal/jobs"
	"github.com/zenkai-ai/zenkai/internal/service"
	"github.com/zenkai-ai/zenkai/internal/store"
)

// Handler contains all HTTP handlers.
type Handler struct {
	store          *store.Store
	cfg            *config.Config
	projectService *service.ProjectService
	messageService *service.MessageService
	eventBroker    *events.Broker
}

// New creates a new Handler.
func New(s *store.Store, cfg *config.Config, jobQueue *jobs.Queue, eventBroker *events.Broker) *Handler {
	return &Handler{
		store:          s,
		cfg:            cfg,
		projectService: service.NewProjectService(s, jobQueue, eventBroker),
		messageService: service.NewMessageService(s, jobQueue, eventBroker),
		eventBroker:    eventBroker,
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// serviceError maps service errors to HTTP responses. Ownership misses
// always read as "Project not found." so a caller cannot distinguish
// someone else's project from a missing one.
func (h *Handler) serviceError(w http.ResponseWriter, err error) {
	var vErr *service.ValidationError
	if errors.As(err, &vErr) {
		h.Error(w, http.StatusBadRequest, vErr.Message)
		return
	}
	if errors.Is(err, service.ErrNotFound) {
		h.Error(w, http.StatusNotFound, "Project not found.")
		return
	}
	h.Error(w, http.StatusInternalServerError, "Internal server error")
}
