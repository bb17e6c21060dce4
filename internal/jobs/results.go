package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zenkai-ai/zenkai/internal/events"
	"github.com/zenkai-ai/zenkai/internal/model"
	"github.com/zenkai-ai/zenkai/internal/store"
)

// fragmentTitle is the display title for agent-built artifacts.
const fragmentTitle = "Fragment"

// failureContent is shown to the user when an agent run exhausts its
// retries. Deliberately generic; the real error stays on the job row.
const failureContent = "Something went wrong. Please try again."

// ResultWriter records the outcome of an agent run in the project
// conversation.
type ResultWriter interface {
	// WriteSuccess appends the agent's reply with its artifact attached and
	// returns the created message. It does not publish an event; callers
	// checkpoint the write first, then call NotifySuccess, so a replayed job
	// never appends the reply twice.
	WriteSuccess(ctx context.Context, projectID, output, sandboxURL string, files map[string]string) (*model.Message, error)
	// NotifySuccess publishes the message_created event for a written reply.
	NotifySuccess(ctx context.Context, projectID, messageID string) error
	// WriteFailure appends an error message after a terminally failed run.
	WriteFailure(ctx context.Context, projectID string) error
}

// StoreResultWriter writes results to the database and publishes a
// message_created event for each one.
type StoreResultWriter struct {
	store  *store.Store
	broker *events.Broker
}

// NewStoreResultWriter creates a store-backed result writer.
func NewStoreResultWriter(s *store.Store, broker *events.Broker) *StoreResultWriter {
	return &StoreResultWriter{store: s, broker: broker}
}

func (w *StoreResultWriter) WriteSuccess(ctx context.Context, projectID, output, sandboxURL string, files map[string]string) (*model.Message, error) {
	message := &model.Message{
		ProjectID: projectID,
		Content:   output,
		Role:      model.MessageRoleAssistant,
		Type:      model.MessageTypeResult,
	}
	fragment := &model.Fragment{
		Title:      fragmentTitle,
		SandboxURL: sandboxURL,
	}
	if len(files) > 0 {
		data, err := json.Marshal(files)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal files: %w", err)
		}
		fragment.Files = data
	}

	if err := w.store.CreateMessageWithFragment(ctx, message, fragment); err != nil {
		return nil, fmt.Errorf("failed to write result message: %w", err)
	}
	return message, nil
}

func (w *StoreResultWriter) NotifySuccess(ctx context.Context, projectID, messageID string) error {
	return w.broker.PublishMessageCreated(ctx, projectID, messageID, model.MessageRoleAssistant, model.MessageTypeResult)
}

func (w *StoreResultWriter) WriteFailure(ctx context.Context, projectID string) error {
	message := &model.Message{
		ProjectID: projectID,
		Content:   failureContent,
		Role:      model.MessageRoleAssistant,
		Type:      model.MessageTypeError,
	}
	if err := w.store.CreateMessage(ctx, message); err != nil {
		return fmt.Errorf("failed to write failure message: %w", err)
	}

	return w.broker.PublishMessageCreated(ctx, projectID, message.ID, message.Role, message.Type)
}
