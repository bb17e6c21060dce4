package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zenkai-ai/zenkai/internal/events"
	"github.com/zenkai-ai/zenkai/internal/jobs"
	"github.com/zenkai-ai/zenkai/internal/model"
	"github.com/zenkai-ai/zenkai/internal/store"
)

// MessageService handles conversation messages within a project.
type MessageService struct {
	store  *store.Store
	queue  *jobs.Queue
	broker *events.Broker
}

// Message represents a conversation message (for API responses).
type Message struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Fragment  *Fragment `json:"fragment,omitempty"`
}

// Fragment represents a built artifact attached to a message.
type Fragment struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	SandboxURL string          `json:"sandboxUrl"`
	Files      json.RawMessage `json:"files,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewMessageService creates a new message service.
func NewMessageService(s *store.Store, queue *jobs.Queue, broker *events.Broker) *MessageService {
	return &MessageService{store: s, queue: queue, broker: broker}
}

// ListMessages returns a project's messages oldest first, with fragments.
// The project must be owned by the caller.
func (s *MessageService) ListMessages(ctx context.Context, userID, projectID string) ([]Message, error) {
	if _, err := s.store.GetProjectForUser(ctx, projectID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.store.ListMessagesByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, len(rows))
	for i, row := range rows {
		messages[i] = toMessage(row)
	}
	return messages, nil
}

// CreateMessage appends a user message to a project the caller owns and
// queues a coding agent run for it.
func (s *MessageService) CreateMessage(ctx context.Context, userID, projectID, value string) (*Message, error) {
	if err := validateValue(value); err != nil {
		return nil, err
	}

	if _, err := s.store.GetProjectForUser(ctx, projectID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	message := &model.Message{
		ProjectID: projectID,
		Content:   value,
		Role:      model.MessageRoleUser,
		Type:      model.MessageTypeResult,
	}
	if err := s.store.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	if err := s.broker.PublishMessageCreated(ctx, projectID, message.ID, message.Role, message.Type); err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}

	err := s.queue.Enqueue(ctx, jobs.CodeAgentRunPayload{
		ProjectID: projectID,
		Value:     value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue agent run: %w", err)
	}

	m := toMessage(message)
	return &m, nil
}

func toMessage(row *model.Message) Message {
	m := Message{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		Content:   row.Content,
		Role:      row.Role,
		Type:      row.Type,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.Fragment != nil {
		m.Fragment = &Fragment{
			ID:         row.Fragment.ID,
			Title:      row.Fragment.Title,
			SandboxURL: row.Fragment.SandboxURL,
			Files:      row.Fragment.Files,
			CreatedAt:  row.Fragment.CreatedAt,
			UpdatedAt:  row.Fragment.UpdatedAt,
		}
	}
	return m
}
