// Package sandbox defines the interface for sandbox providers.
// A sandbox is an isolated environment running the app template where the
// coding agent applies its changes and the preview is served.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by providers.
var (
	ErrNotFound      = errors.New("sandbox not found")
	ErrAlreadyExists = errors.New("sandbox already exists")
	ErrStartFailed   = errors.New("sandbox start failed")
	ErrInvalidImage  = errors.New("invalid sandbox image")
	ErrExecFailed    = errors.New("sandbox exec failed")
)

// Status represents the lifecycle state of a sandbox.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// Sandbox describes a provisioned sandbox.
type Sandbox struct {
	// ID is the provider-assigned identifier.
	ID string

	// ProjectID is the project this sandbox was provisioned for.
	ProjectID string

	Status Status
	Image  string
	Error  string

	// Ports holds the host port mappings assigned by the provider.
	Ports []AssignedPort

	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time
}

// AssignedPort describes a container port published on the host.
type AssignedPort struct {
	ContainerPort int
	HostPort      int
	HostIP        string
	Protocol      string
}

// ExecResult holds the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Provider provisions and manages sandboxes.
type Provider interface {
	// Create provisions a new sandbox for the project and starts it.
	// The app port is published on a random host port.
	Create(ctx context.Context, projectID string) (*Sandbox, error)

	// Get returns the current state of a sandbox.
	Get(ctx context.Context, sandboxID string) (*Sandbox, error)

	// GetHost returns the externally reachable host:port for the app
	// served inside the sandbox.
	GetHost(ctx context.Context, sandboxID string) (string, error)

	// Exec runs a command inside the sandbox and waits for it to finish.
	Exec(ctx context.Context, sandboxID string, cmd []string) (*ExecResult, error)

	// Remove stops and removes a sandbox.
	Remove(ctx context.Context, sandboxID string) error

	// Close releases provider resources.
	Close() error
}
