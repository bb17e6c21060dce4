package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zenkai-ai/zenkai/internal/jobs"
	"github.com/zenkai-ai/zenkai/internal/middleware"
	"github.com/zenkai-ai/zenkai/internal/status"
)

// Events handles SSE event streaming for a project.
// GET /api/projects/{projectId}/events
// Query parameters:
//   - since: RFC3339 timestamp to get events after (e.g., "2024-01-15T10:30:00Z")
//
// If not provided, only new events from the time of connection are streamed.
// While the project has an agent run pending or running, the stream also
// carries rotating status frames.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	projectID := chi.URLParam(r, "projectId")

	if _, err := h.projectService.GetProject(r.Context(), userID, projectID); err != nil {
		h.serviceError(w, err)
		return
	}

	// Check if the client supports SSE
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sinceStr := r.URL.Query().Get("since")

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Subscribe BEFORE sending historical events so nothing is missed
	// between fetching history and subscribing
	sub := h.eventBroker.Subscribe(projectID)
	defer h.eventBroker.Unsubscribe(sub)

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\ndata: {\"projectId\":%q}\n\n", projectID)
	flusher.Flush()

	// Track sent event IDs to avoid duplicates between history and live events
	sentEventIDs := make(map[string]bool)

	if sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			// Try parsing as Unix timestamp
			var unixSec int64
			if _, err := fmt.Sscanf(sinceStr, "%d", &unixSec); err == nil {
				since = time.Unix(unixSec, 0)
			} else {
				fmt.Fprintf(w, "event: error\ndata: {\"error\":\"invalid since parameter, use RFC3339 format\"}\n\n")
				flusher.Flush()
			}
		}

		if !since.IsZero() {
			events, err := h.eventBroker.GetEventsSince(r.Context(), projectID, since)
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: {\"error\":\"failed to get historical events\"}\n\n")
				flusher.Flush()
			} else {
				for _, event := range events {
					data, err := json.Marshal(event)
					if err != nil {
						continue
					}
					fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
					sentEventIDs[event.ID] = true
				}
				flusher.Flush()
			}
		}
	}

	// One status rotator per subscriber, alive only while the project has
	// an agent run in flight.
	var rotator *status.Rotator
	var statusCh <-chan string

	startRotator := func() {
		if rotator != nil {
			return
		}
		rotator = status.NewRotator(status.DefaultInterval)
		statusCh = rotator.Updates()
		rotator.Start()
	}
	stopRotator := func() {
		if rotator == nil {
			return
		}
		rotator.Stop()
		rotator = nil
		statusCh = nil
	}
	defer stopRotator()

	syncRotator := func() {
		active, err := h.store.HasActiveJobForResource(r.Context(), jobs.ResourceTypeProject, projectID)
		if err != nil {
			return
		}
		if active {
			startRotator()
		} else {
			stopRotator()
		}
	}
	syncRotator()

	// Stream until client disconnects
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}

			// Skip if we already sent this event from history
			if sentEventIDs[event.ID] {
				delete(sentEventIDs, event.ID)
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

			// Any event can change whether a run is in flight
			syncRotator()
		case msg, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			data, err := json.Marshal(map[string]string{"message": msg})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
