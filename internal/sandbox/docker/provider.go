// Package docker provides a Docker-based implementation of the sandbox.Provider interface.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/namesgenerator"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/zenkai-ai/zenkai/internal/config"
	"github.com/zenkai-ai/zenkai/internal/logger"
	"github.com/zenkai-ai/zenkai/internal/sandbox"
)

const (
	// labelManaged marks containers owned by this server.
	labelManaged = "zenkai.managed"

	// labelProjectID stores the project a sandbox belongs to.
	labelProjectID = "zenkai.project.id"
)

// reapInterval is how often the idle reaper sweeps containers.
const reapInterval = time.Minute

// Provider implements the sandbox.Provider interface using Docker.
type Provider struct {
	client *client.Client
	cfg    *config.Config
	log    *logger.Logger

	// hosts caches sandboxID -> resolved host:port so repeated URL
	// lookups skip the inspect round trip.
	hosts   map[string]string
	hostsMu sync.RWMutex

	// lastUsed tracks when each sandbox was last touched, for the idle
	// reaper. Sandboxes surviving a server restart fall back to their
	// container start time.
	lastUsed   map[string]time.Time
	lastUsedMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewProvider creates a new Docker sandbox provider and verifies the
// daemon is reachable.
func NewProvider(cfg *config.Config, log *logger.Logger) (*Provider, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	p := &Provider{
		client:   cli,
		cfg:      cfg,
		log:      log,
		hosts:    make(map[string]string),
		lastUsed: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.client.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	// Pull the sandbox image in the background so server startup isn't
	// blocked on a slow registry.
	go func() {
		pullCtx, pullCancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer pullCancel()
		if err := p.ensureImage(pullCtx, cfg.SandboxImage); err != nil {
			p.log.Warn("failed to pull sandbox image", "image", cfg.SandboxImage, "error", err)
		}
	}()

	return p, nil
}

// containerName generates a random two-word container name.
func containerName() string {
	return "zenkai-" + strings.ReplaceAll(namesgenerator.GetRandomName(0), "_", "-")
}

// Create provisions a new sandbox container and starts it. The app port
// is published on a random host port bound to loopback.
func (p *Provider) Create(ctx context.Context, projectID string) (*sandbox.Sandbox, error) {
	image := p.cfg.SandboxImage
	if err := p.ensureImage(ctx, image); err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrInvalidImage, err)
	}

	labels := map[string]string{
		labelManaged:   "true",
		labelProjectID: projectID,
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", p.cfg.SandboxAppPort))
	containerConfig := &containerTypes.Config{
		Image:        image,
		Labels:       labels,
		Hostname:     "zenkai",
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "", // Empty = Docker assigns random available port
			}},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
	}

	p.touch(resp.ID)

	now := time.Now()
	return &sandbox.Sandbox{
		ID:        resp.ID,
		ProjectID: projectID,
		Status:    sandbox.StatusRunning,
		Image:     image,
		CreatedAt: now,
		StartedAt: &now,
	}, nil
}

// ensureImage checks if an image exists locally and pulls it if not.
func (p *Provider) ensureImage(ctx context.Context, image string) error {
	_, err := p.client.ImageInspect(ctx, image)
	if err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}
	return nil
}

// Get returns the current state of a sandbox.
func (p *Provider) Get(ctx context.Context, sandboxID string) (*sandbox.Sandbox, error) {
	info, err := p.client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect sandbox: %w", err)
	}

	s := &sandbox.Sandbox{
		ID:        info.ID,
		ProjectID: info.Config.Labels[labelProjectID],
		Image:     info.Config.Image,
	}

	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		s.CreatedAt = created
	}

	switch {
	case info.State.Running:
		s.Status = sandbox.StatusRunning
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			s.StartedAt = &started
		}
	case info.State.Dead || info.State.OOMKilled:
		s.Status = sandbox.StatusFailed
		s.Error = info.State.Error
	case info.State.ExitCode != 0:
		// Exit codes 137 (SIGKILL, 128+9) and 143 (SIGTERM, 128+15) are
		// expected from docker stop and mean stopped, not failed
		if info.State.ExitCode == 137 || info.State.ExitCode == 143 {
			s.Status = sandbox.StatusStopped
		} else {
			s.Status = sandbox.StatusFailed
			s.Error = fmt.Sprintf("exited with code %d", info.State.ExitCode)
		}
	default:
		if info.State.FinishedAt != "" && info.State.FinishedAt != "0001-01-01T00:00:00Z" {
			s.Status = sandbox.StatusStopped
		} else {
			s.Status = sandbox.StatusCreated
		}
	}

	s.Ports = extractPorts(info.NetworkSettings)
	return s, nil
}

// GetHost returns the host:port where the sandbox app is reachable.
// Resolution is idempotent: repeated calls for the same sandbox return
// the same address.
func (p *Provider) GetHost(ctx context.Context, sandboxID string) (string, error) {
	p.hostsMu.RLock()
	host, ok := p.hosts[sandboxID]
	p.hostsMu.RUnlock()
	if ok {
		return host, nil
	}

	sb, err := p.Get(ctx, sandboxID)
	if err != nil {
		return "", err
	}

	var appPort *sandbox.AssignedPort
	for i := range sb.Ports {
		if sb.Ports[i].ContainerPort == p.cfg.SandboxAppPort {
			appPort = &sb.Ports[i]
			break
		}
	}
	if appPort == nil {
		return "", fmt.Errorf("sandbox does not expose port %d", p.cfg.SandboxAppPort)
	}

	hostIP := appPort.HostIP
	if hostIP == "" || hostIP == "0.0.0.0" {
		hostIP = "127.0.0.1"
	}
	host = fmt.Sprintf("%s:%d", hostIP, appPort.HostPort)

	p.hostsMu.Lock()
	p.hosts[sandboxID] = host
	p.hostsMu.Unlock()

	p.touch(sandboxID)
	return host, nil
}

// Exec runs a non-interactive command in the sandbox.
func (p *Provider) Exec(ctx context.Context, sandboxID string, cmd []string) (*sandbox.ExecResult, error) {
	p.touch(sandboxID)

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, sandboxID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	return &sandbox.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// Remove stops and removes a sandbox container.
func (p *Provider) Remove(ctx context.Context, sandboxID string) error {
	err := p.client.ContainerRemove(ctx, sandboxID, containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove sandbox container: %w", err)
	}

	p.hostsMu.Lock()
	delete(p.hosts, sandboxID)
	p.hostsMu.Unlock()

	p.lastUsedMu.Lock()
	delete(p.lastUsed, sandboxID)
	p.lastUsedMu.Unlock()
	return nil
}

func (p *Provider) touch(sandboxID string) {
	p.lastUsedMu.Lock()
	p.lastUsed[sandboxID] = time.Now()
	p.lastUsedMu.Unlock()
}

// StartReaper begins removing sandboxes that have been idle longer than
// the configured idle timeout. A zero timeout disables reaping.
func (p *Provider) StartReaper(ctx context.Context) {
	if p.cfg.SandboxIdleTimeout <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.reapIdle(ctx)
			}
		}
	}()
}

func (p *Provider) reapIdle(ctx context.Context) {
	sandboxes, err := p.List(ctx)
	if err != nil {
		p.log.Warn("failed to list sandboxes for idle reaping", "error", err)
		return
	}

	cutoff := time.Now().Add(-p.cfg.SandboxIdleTimeout)
	for _, sb := range sandboxes {
		p.lastUsedMu.Lock()
		last, ok := p.lastUsed[sb.ID]
		p.lastUsedMu.Unlock()

		if !ok {
			if sb.StartedAt != nil {
				last = *sb.StartedAt
			} else {
				last = sb.CreatedAt
			}
		}
		if last.After(cutoff) {
			continue
		}

		if err := p.Remove(ctx, sb.ID); err != nil {
			p.log.Warn("failed to reap idle sandbox", "sandbox_id", sb.ID, "error", err)
			continue
		}
		p.log.Info("reaped idle sandbox", "sandbox_id", sb.ID, "project_id", sb.ProjectID)
	}
}

// List returns all sandboxes managed by this server.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Sandbox, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All: true, // Include stopped containers
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	result := make([]*sandbox.Sandbox, 0, len(containers))
	for _, c := range containers {
		sb, err := p.Get(ctx, c.ID)
		if err != nil {
			continue // Skip containers we can't inspect
		}
		result = append(result, sb)
	}
	return result, nil
}

// extractPorts extracts assigned port mappings from container network settings.
func extractPorts(settings *containerTypes.NetworkSettings) []sandbox.AssignedPort {
	if settings == nil {
		return nil
	}

	var ports []sandbox.AssignedPort
	for containerPort, bindings := range settings.Ports {
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			ports = append(ports, sandbox.AssignedPort{
				ContainerPort: containerPort.Int(),
				HostPort:      hostPort,
				HostIP:        binding.HostIP,
				Protocol:      containerPort.Proto(),
			})
		}
	}
	return ports
}

// Close stops the reaper and closes the Docker client connection.
func (p *Provider) Close() error {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	return p.client.Close()
}
