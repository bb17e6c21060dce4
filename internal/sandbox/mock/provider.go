// Package mock provides a mock implementation of sandbox.Provider for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenkai-ai/zenkai/internal/sandbox"
)

// DefaultMockImage is the default image used by the mock provider.
const DefaultMockImage = "mock:latest"

// DefaultAppPort is the container port the mock pretends to publish.
const DefaultAppPort = 3000

// DefaultHostPort is the predictable host port assigned to every mock sandbox.
const DefaultHostPort = 40888

// Provider is a mock sandbox provider for testing.
type Provider struct {
	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
	hosts     map[string]string

	// Configurable behaviors for testing
	CreateFunc  func(ctx context.Context, projectID string) (*sandbox.Sandbox, error)
	GetFunc     func(ctx context.Context, sandboxID string) (*sandbox.Sandbox, error)
	GetHostFunc func(ctx context.Context, sandboxID string) (string, error)
	ExecFunc    func(ctx context.Context, sandboxID string, cmd []string) (*sandbox.ExecResult, error)
	RemoveFunc  func(ctx context.Context, sandboxID string) error
}

// NewProvider creates a new mock provider with default behavior.
func NewProvider() *Provider {
	return &Provider{
		sandboxes: make(map[string]*sandbox.Sandbox),
		hosts:     make(map[string]string),
	}
}

// Create creates a mock sandbox in running state.
func (p *Provider) Create(ctx context.Context, projectID string) (*sandbox.Sandbox, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, projectID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	s := &sandbox.Sandbox{
		ID:        "mock-" + uuid.New().String(),
		ProjectID: projectID,
		Status:    sandbox.StatusRunning,
		Image:     DefaultMockImage,
		CreatedAt: now,
		StartedAt: &now,
		Ports: []sandbox.AssignedPort{
			{
				ContainerPort: DefaultAppPort,
				HostPort:      DefaultHostPort, // Predictable for testing
				HostIP:        "127.0.0.1",
				Protocol:      "tcp",
			},
		},
	}
	p.sandboxes[s.ID] = s

	cpy := *s
	return &cpy, nil
}

// Get returns a mock sandbox.
func (p *Provider) Get(ctx context.Context, sandboxID string) (*sandbox.Sandbox, error) {
	if p.GetFunc != nil {
		return p.GetFunc(ctx, sandboxID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	s, exists := p.sandboxes[sandboxID]
	if !exists {
		return nil, sandbox.ErrNotFound
	}

	cpy := *s
	return &cpy, nil
}

// GetHost returns the host:port for the mock sandbox app.
func (p *Provider) GetHost(ctx context.Context, sandboxID string) (string, error) {
	if p.GetHostFunc != nil {
		return p.GetHostFunc(ctx, sandboxID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if host, ok := p.hosts[sandboxID]; ok {
		return host, nil
	}

	s, exists := p.sandboxes[sandboxID]
	if !exists {
		return "", sandbox.ErrNotFound
	}

	host := fmt.Sprintf("%s:%d", s.Ports[0].HostIP, s.Ports[0].HostPort)
	p.hosts[sandboxID] = host
	return host, nil
}

// Exec runs a mock command.
func (p *Provider) Exec(ctx context.Context, sandboxID string, cmd []string) (*sandbox.ExecResult, error) {
	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, sandboxID, cmd)
	}

	p.mu.RLock()
	_, exists := p.sandboxes[sandboxID]
	p.mu.RUnlock()

	if !exists {
		return nil, sandbox.ErrNotFound
	}

	return &sandbox.ExecResult{
		ExitCode: 0,
		Stdout:   []byte("mock output\n"),
		Stderr:   []byte{},
	}, nil
}

// Remove removes a mock sandbox.
func (p *Provider) Remove(ctx context.Context, sandboxID string) error {
	if p.RemoveFunc != nil {
		return p.RemoveFunc(ctx, sandboxID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.sandboxes, sandboxID)
	delete(p.hosts, sandboxID)
	return nil
}

// GetSandboxes returns all sandboxes (for test assertions).
func (p *Provider) GetSandboxes() map[string]*sandbox.Sandbox {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*sandbox.Sandbox)
	for k, v := range p.sandboxes {
		cpy := *v
		result[k] = &cpy
	}
	return result
}

// Close is a no-op for the mock provider.
func (p *Provider) Close() error {
	return nil
}
