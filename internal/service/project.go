package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zenkai-ai/zenkai/internal/events"
	"github.com/zenkai-ai/zenkai/internal/jobs"
	"github.com/zenkai-ai/zenkai/internal/model"
	"github.com/zenkai-ai/zenkai/internal/store"
)

// ProjectService handles project operations.
type ProjectService struct {
	store  *store.Store
	queue  *jobs.Queue
	broker *events.Broker
}

// Project represents a project (for API responses).
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewProjectService creates a new project service.
func NewProjectService(s *store.Store, queue *jobs.Queue, broker *events.Broker) *ProjectService {
	return &ProjectService{store: s, queue: queue, broker: broker}
}

// ListProjects returns the caller's projects, most recently updated first.
func (s *ProjectService) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.store.ListProjectsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	projects := make([]Project, len(rows))
	for i, row := range rows {
		projects[i] = toProject(row)
	}
	return projects, nil
}

// CreateProject creates a project seeded with the caller's first message and
// queues a coding agent run for it. The project and its first message are
// written in one transaction so a project never exists without the prompt
// that created it.
func (s *ProjectService) CreateProject(ctx context.Context, userID, value string) (*Project, error) {
	if err := validateValue(value); err != nil {
		return nil, err
	}

	// Callers arrive with an externally-issued id; make sure a row exists.
	user := &model.User{ID: userID, ExternalID: userID}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	project := &model.Project{
		UserID: userID,
		Name:   generateProjectName(),
	}
	message := &model.Message{
		Content: value,
		Role:    model.MessageRoleUser,
		Type:    model.MessageTypeResult,
	}
	if err := s.store.CreateProjectWithMessage(ctx, project, message); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	if err := s.broker.PublishMessageCreated(ctx, project.ID, message.ID, message.Role, message.Type); err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}

	err := s.queue.Enqueue(ctx, jobs.CodeAgentRunPayload{
		ProjectID: project.ID,
		Value:     value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue agent run: %w", err)
	}

	p := toProject(project)
	return &p, nil
}

// GetProject returns a project owned by the caller.
func (s *ProjectService) GetProject(ctx context.Context, userID, projectID string) (*Project, error) {
	project, err := s.store.GetProjectForUser(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p := toProject(project)
	return &p, nil
}

func toProject(row *model.Project) Project {
	return Project{
		ID:        row.ID,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
