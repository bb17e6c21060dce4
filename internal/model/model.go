// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message role constants. A message is authored either by the end user
// or by the coding agent.
const (
	MessageRoleUser      = "USER"
	MessageRoleAssistant = "ASSISTANT"
)

// Message type constants. RESULT messages carry conversation content,
// ERROR messages report a failed agent run.
const (
	MessageTypeResult = "RESULT"
	MessageTypeError  = "ERROR"
)

// User represents a caller identified by an externally-issued id.
// Users are upserted lazily the first time they create a project.
type User struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	ExternalID string    `gorm:"column:external_id;uniqueIndex;not null;type:text" json:"externalId"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (User) TableName() string { return "users" }

// Project represents one build conversation owned by a single user.
type Project struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;index" json:"userId"`
	Name      string    `gorm:"not null;type:text" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	User     *User     `gorm:"foreignKey:UserID" json:"-"`
	Messages []Message `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// Message represents a single chat message in a project. Messages are
// immutable once created; display order is updated_at ascending.
type Message struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID string    `gorm:"column:project_id;not null;type:text;index" json:"projectId"`
	Content   string    `gorm:"not null;type:text" json:"content"`
	Role      string    `gorm:"not null;type:text" json:"role"`
	Type      string    `gorm:"not null;type:text" json:"type"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Project  *Project  `gorm:"foreignKey:ProjectID" json:"-"`
	Fragment *Fragment `gorm:"foreignKey:MessageID" json:"fragment,omitempty"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// Fragment is an artifact produced by the agent and attached to an
// assistant message: the sandbox preview URL plus any generated files.
type Fragment struct {
	ID         string          `gorm:"primaryKey;type:text" json:"id"`
	MessageID  string          `gorm:"column:message_id;uniqueIndex;not null;type:text" json:"messageId"`
	Title      string          `gorm:"not null;type:text" json:"title"`
	SandboxURL string          `gorm:"column:sandbox_url;not null;type:text" json:"sandboxUrl"`
	Files      json.RawMessage `gorm:"type:text" json:"files,omitempty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`

	Message *Message `gorm:"foreignKey:MessageID" json:"-"`
}

func (Fragment) TableName() string { return "fragments" }

func (f *Fragment) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}

// Event type constants
const (
	EventTypeMessageCreated = "message_created"
	EventTypeJobUpdated     = "job_updated"
)

// ProjectEvent represents a persisted event for a project.
// Events are used for SSE streaming to clients.
type ProjectEvent struct {
	ID        string          `gorm:"primaryKey;type:text" json:"id"`
	Seq       int64           `gorm:"column:seq;autoIncrement;uniqueIndex" json:"seq"`
	ProjectID string          `gorm:"column:project_id;not null;type:text;index:idx_project_seq,priority:1" json:"projectId"`
	Type      string          `gorm:"not null;type:text" json:"type"`
	Data      json.RawMessage `gorm:"type:text;not null" json:"data"`
	CreatedAt time.Time       `gorm:"autoCreateTime;index:idx_project_seq,priority:2" json:"createdAt"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"-"`
}

func (ProjectEvent) TableName() string { return "project_events" }

func (e *ProjectEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Project{},
		&Message{},
		&Fragment{},
		&ProjectEvent{},
		&Job{},
		&JobStep{},
		&DispatcherLeader{},
	}
}
