package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/zenkai-ai/zenkai/internal/config"
	"github.com/zenkai-ai/zenkai/internal/database"
	"github.com/zenkai-ai/zenkai/internal/logger"
	"github.com/zenkai-ai/zenkai/internal/model"
	"github.com/zenkai-ai/zenkai/internal/store"
)

// testEnv holds the test environment
type testEnv struct {
	Store     *store.Store
	ProjectID string
	Cleanup   func()
}

// testSetup creates a test database, store, and a project
func testSetup(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s/test.db", t.TempDir()),
		DatabaseDriver: "sqlite",
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	s := store.New(db.DB)
	user := &model.User{ID: "user-1", ExternalID: "user-1"}
	if err := s.UpsertUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	project := &model.Project{UserID: "user-1", Name: "test-project"}
	if err := s.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}

	return &testEnv{
		Store:     s,
		ProjectID: project.ID,
		Cleanup: func() {
			db.Close()
		},
	}
}

// createSecondProject creates a second project for multi-project tests
func (e *testEnv) createSecondProject(t *testing.T) string {
	t.Helper()
	project := &model.Project{UserID: "user-1", Name: "test-project-2"}
	if err := e.Store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("Failed to create second project: %v", err)
	}
	return project.ID
}

func testPoller(s *store.Store) *Poller {
	cfg := DefaultPollerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	return NewPoller(s, cfg, logger.NewNop())
}

func TestPoller_StartsWithMaxSeq(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	// Insert some events before starting poller
	for i := 0; i < 5; i++ {
		event := &model.ProjectEvent{
			ProjectID: env.ProjectID,
			Type:      "test",
			Data:      json.RawMessage(`{}`),
		}
		if err := env.Store.CreateProjectEvent(ctx, event); err != nil {
			t.Fatalf("Failed to create event: %v", err)
		}
	}

	poller := testPoller(env.Store)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	// Poller should start at the max seq (5)
	if poller.LastSeq() != 5 {
		t.Errorf("Expected last seq to be 5, got %d", poller.LastSeq())
	}
}

func TestPoller_BroadcastsNewEvents(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	poller := testPoller(env.Store)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	sub := poller.Subscribe(env.ProjectID)
	defer poller.Unsubscribe(sub)

	event := &model.ProjectEvent{
		ProjectID: env.ProjectID,
		Type:      string(EventTypeMessageCreated),
		Data:      json.RawMessage(`{"messageId":"msg1","role":"USER","type":"RESULT"}`),
	}
	if err := env.Store.CreateProjectEvent(ctx, event); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}

	poller.NotifyNewEvent()

	select {
	case received := <-sub.Events:
		if received.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, received.ID)
		}
		if received.Type != EventTypeMessageCreated {
			t.Errorf("Expected type %s, got %s", EventTypeMessageCreated, received.Type)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}
}

func TestPoller_FiltersEventsByProjectID(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	projectB := env.createSecondProject(t)

	poller := testPoller(env.Store)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	subA := poller.Subscribe(env.ProjectID)
	defer poller.Unsubscribe(subA)

	subB := poller.Subscribe(projectB)
	defer poller.Unsubscribe(subB)

	eventA := &model.ProjectEvent{
		ProjectID: env.ProjectID,
		Type:      "test",
		Data:      json.RawMessage(`{"msg":"for A"}`),
	}
	if err := env.Store.CreateProjectEvent(ctx, eventA); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}
	poller.NotifyNewEvent()

	// Project A subscriber should receive the event
	select {
	case received := <-subA.Events:
		if received.ID != eventA.ID {
			t.Errorf("Project A: expected event ID %s, got %s", eventA.ID, received.ID)
		}
	case <-time.After(1 * time.Second):
		t.Error("Project A: timeout waiting for event")
	}

	// Project B subscriber should NOT receive the event
	select {
	case <-subB.Events:
		t.Error("Project B: received event that was meant for Project A")
	case <-time.After(100 * time.Millisecond):
		// Expected - no event for project B
	}
}

func TestBroker_PublishPersistsAndNotifies(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	poller := testPoller(env.Store)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	broker := NewBroker(env.Store, poller)

	sub := broker.Subscribe(env.ProjectID)
	defer broker.Unsubscribe(sub)

	event := &Event{
		ID:        "evt-123",
		Type:      EventTypeMessageCreated,
		Timestamp: time.Now(),
		Data:      json.RawMessage(`{"messageId":"msg1","role":"USER","type":"RESULT"}`),
	}
	if err := broker.Publish(ctx, env.ProjectID, event); err != nil {
		t.Fatalf("Failed to publish event: %v", err)
	}

	// Event should be assigned a sequence number
	if event.Seq == 0 {
		t.Error("Expected event to have sequence number assigned")
	}

	// Wait for event via subscription
	select {
	case received := <-sub.Events:
		if received.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, received.ID)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// Verify event is persisted in database
	events, err := env.Store.ListEventsAfterSeq(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 event in database, got %d", len(events))
	}
}

func TestBroker_PublishMessageCreated(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	poller := testPoller(env.Store)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	broker := NewBroker(env.Store, poller)

	sub := broker.Subscribe(env.ProjectID)
	defer broker.Unsubscribe(sub)

	if err := broker.PublishMessageCreated(ctx, env.ProjectID, "msg-123", model.MessageRoleAssistant, model.MessageTypeResult); err != nil {
		t.Fatalf("Failed to publish message created: %v", err)
	}

	select {
	case received := <-sub.Events:
		if received.Type != EventTypeMessageCreated {
			t.Errorf("Expected type %s, got %s", EventTypeMessageCreated, received.Type)
		}

		var data MessageCreatedData
		if err := json.Unmarshal(received.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal data: %v", err)
		}
		if data.MessageID != "msg-123" {
			t.Errorf("Expected messageId 'msg-123', got '%s'", data.MessageID)
		}
		if data.Role != model.MessageRoleAssistant {
			t.Errorf("Expected role '%s', got '%s'", model.MessageRoleAssistant, data.Role)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}
}

func TestBroker_GetEventsSince(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	poller := testPoller(env.Store)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	broker := NewBroker(env.Store, poller)

	startTime := time.Now()
	time.Sleep(10 * time.Millisecond)

	if err := broker.PublishMessageCreated(ctx, env.ProjectID, "msg-1", model.MessageRoleUser, model.MessageTypeResult); err != nil {
		t.Fatalf("Failed to publish event 1: %v", err)
	}

	midTime := time.Now()
	time.Sleep(10 * time.Millisecond)

	if err := broker.PublishMessageCreated(ctx, env.ProjectID, "msg-2", model.MessageRoleAssistant, model.MessageTypeResult); err != nil {
		t.Fatalf("Failed to publish event 2: %v", err)
	}

	// Get events since start - should get both
	events, err := broker.GetEventsSince(ctx, env.ProjectID, startTime)
	if err != nil {
		t.Fatalf("Failed to get events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}

	// Get events since mid - should get only the second
	events, err = broker.GetEventsSince(ctx, env.ProjectID, midTime)
	if err != nil {
		t.Fatalf("Failed to get events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(events))
	}
}

func TestSubscriber_Close(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	poller := testPoller(env.Store)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	sub := poller.Subscribe(env.ProjectID)

	poller.Unsubscribe(sub)

	// Done channel should be closed
	select {
	case <-sub.Done():
		// Expected
	default:
		t.Error("Expected Done channel to be closed")
	}

	// Events channel should be closed
	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Error("Expected Events channel to be closed")
		}
	default:
		// This is also fine - channel is closed but read would block
	}
}

func TestPoller_MultipleSubscribersSameProject(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	poller := testPoller(env.Store)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	sub1 := poller.Subscribe(env.ProjectID)
	defer poller.Unsubscribe(sub1)

	sub2 := poller.Subscribe(env.ProjectID)
	defer poller.Unsubscribe(sub2)

	event := &model.ProjectEvent{
		ProjectID: env.ProjectID,
		Type:      "test",
		Data:      json.RawMessage(`{}`),
	}
	if err := env.Store.CreateProjectEvent(ctx, event); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}
	poller.NotifyNewEvent()

	// Both subscribers should receive the event
	received1 := false
	received2 := false

	timeout := time.After(1 * time.Second)
	for !received1 || !received2 {
		select {
		case <-sub1.Events:
			received1 = true
		case <-sub2.Events:
			received2 = true
		case <-timeout:
			t.Fatalf("Timeout: received1=%v, received2=%v", received1, received2)
		}
	}
}
