// Package sandboxctl owns the lifecycle of the remote execution sandbox
// (spec §4.6): starting, stopping, and dispatching commands to the Docker
// container that runs the coding agent for a session, and reconciling its
// declared status against heartbeat freshness. Adapted from the teacher's
// internal/container.DockerManager, generalized from a per-user playground
// container to a per-session agent sandbox.
package sandboxctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/ashureev/sessionctl/internal/config"
	"github.com/ashureev/sessionctl/internal/domain"
)

// Command is dispatched to a running sandbox. Commands are idempotent by
// MessageID (spec §4.6).
type Command struct {
	Kind            string // "execute"
	MessageID       string
	Content         string
	Attachments     string
	ReasoningEffort domain.ReasoningEffort
	CallbackContext string
}

// Controller is the Sandbox Controller's command surface.
type Controller interface {
	// EnsureSandbox starts a sandbox for sessionID if one isn't already
	// running, or reuses/restarts an existing one within the grace period.
	EnsureSandbox(ctx context.Context, sessionID string, env map[string]string) (containerID string, err error)

	// Execute sends a command to the running sandbox.
	Execute(ctx context.Context, sessionID, containerID string, cmd Command) error

	// Stop issues a cooperative stop signal to the sandbox.
	Stop(ctx context.Context, sessionID, containerID string) error

	// Terminate forcibly stops and removes the sandbox container.
	Terminate(ctx context.Context, containerID string) error

	// IsRunning reports whether the container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// EnsureNetwork creates the sandbox bridge network if absent.
	EnsureNetwork(ctx context.Context) (string, error)

	// Client exposes the underlying Docker client for diagnostics.
	Client() *client.Client
}

// DockerController implements Controller using the Docker API.
type DockerController struct {
	cli *client.Client
	cfg config.SandboxConfig
}

// NewDockerController creates a new Docker-backed sandbox controller.
func NewDockerController(cfg config.SandboxConfig) (Controller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("sandbox docker client initialized", "runtime", cfg.Runtime, "image", cfg.Image)
	return &DockerController{cli: cli, cfg: cfg}, nil
}

func containerName(sessionID string) string {
	return fmt.Sprintf("sandbox-%s", sessionID)
}

// EnsureSandbox ensures a container exists and is running for a session.
func (c *DockerController) EnsureSandbox(ctx context.Context, sessionID string, env map[string]string) (string, error) {
	name := containerName(sessionID)

	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State.Running {
			slog.Info("sandbox already running", "container_id", inspect.ID, "session_id", sessionID)
			return inspect.ID, nil
		}

		startedAt, parseErr := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		withinGrace := parseErr != nil || time.Since(startedAt) < c.cfg.RestartGracePeriod
		if withinGrace {
			slog.Info("restarting stopped sandbox", "container_id", inspect.ID, "session_id", sessionID)
			if err := c.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("restart sandbox %s: %w", inspect.ID, err)
			}
			return inspect.ID, nil
		}

		slog.Info("sandbox expired, recreating", "container_id", inspect.ID, "session_id", sessionID)
		if err := c.Terminate(ctx, inspect.ID); err != nil {
			slog.Warn("failed to remove expired sandbox before recreation", "error", err, "container_id", inspect.ID)
		}
	}

	slog.Info("creating new sandbox", "session_id", sessionID)

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:      c.cfg.Image,
		Tty:        false,
		OpenStdin:  true,
		StdinOnce:  false,
		Env:        envVars,
	}

	hostConfig := &container.HostConfig{
		Runtime:     c.cfg.Runtime,
		NetworkMode: container.NetworkMode(c.cfg.Network),
		Resources: container.Resources{
			Memory:    c.cfg.MemoryLimitBytes,
			CPUQuota:  c.cfg.CPUQuota,
			PidsLimit: ptr(c.cfg.PidsLimit),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < c.cfg.CreateRetryAttempts; i++ {
		resp, createErr = c.cli.ContainerCreate(ctx, containerCfg, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create sandbox: %w", createErr)
		}

		slog.Warn("sandbox name conflict during create, retrying",
			"session_id", sessionID, "container_name", name, "attempt", i+1, "error", createErr)

		if inspect, inspectErr := c.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := c.Terminate(ctx, inspect.ID); stopErr != nil {
				slog.Warn("failed to remove conflicting sandbox before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.CreateRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create sandbox after retries: %w", createErr)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("failed to remove sandbox after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}

	slog.Info("sandbox created and started", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

// Execute dispatches a command to the sandbox by exec'ing a one-shot
// process that writes the JSON-encoded command to the agent's control
// fifo. Idempotent by cmd.MessageID: the sandbox-side agent is responsible
// for treating a repeated MessageID as a no-op.
func (c *DockerController) Execute(ctx context.Context, sessionID, containerID string, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal sandbox command: %w", err)
	}

	execCfg := container.ExecOptions{
		AttachStdin: true,
		Cmd:         []string{"sh", "-c", "cat > /var/run/agent/control.json"},
	}
	resp, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return fmt.Errorf("create exec for command dispatch: %w", err)
	}

	attachResp, err := c.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec for command dispatch: %w", err)
	}
	defer attachResp.Close()

	if _, err := attachResp.Conn.Write(payload); err != nil {
		return fmt.Errorf("write command payload: %w", err)
	}
	attachResp.CloseWrite()

	if _, err := io.Copy(io.Discard, attachResp.Reader); err != nil {
		return fmt.Errorf("drain command exec output: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("inspect command exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("sandbox command exec exited with code %d", inspect.ExitCode)
	}

	slog.Debug("sandbox command dispatched", "session_id", sessionID, "message_id", cmd.MessageID, "kind", cmd.Kind)
	return nil
}

// Stop issues a cooperative stop to the sandbox process without removing
// the container, giving the agent a chance to emit execution_complete.
func (c *DockerController) Stop(ctx context.Context, sessionID, containerID string) error {
	execCfg := container.ExecOptions{
		Cmd: []string{"sh", "-c", "echo '{\"kind\":\"stop\"}' > /var/run/agent/control.json"},
	}
	resp, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return fmt.Errorf("create exec for stop signal: %w", err)
	}
	if err := c.cli.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{}); err != nil {
		return fmt.Errorf("start exec for stop signal: %w", err)
	}
	slog.Info("sandbox stop signal sent", "session_id", sessionID, "container_id", containerID)
	return nil
}

// Terminate stops and removes a container. It is idempotent and handles
// concurrent calls gracefully.
func (c *DockerController) Terminate(ctx context.Context, containerID string) error {
	slog.Info("terminating sandbox", "container_id", containerID)

	_, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("sandbox already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect sandbox %s: %w", containerID, err)
	}

	timeout := int(c.cfg.StopTimeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("sandbox already stopped/removed", "container_id", containerID)
		} else if ctx.Err() != nil {
			slog.Debug("context canceled during stop, continuing with force removal", "container_id", containerID)
		} else {
			slog.Debug("sandbox stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("sandbox already removed", "container_id", containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("sandbox removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("context canceled during remove, sandbox may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", containerID, err)
	}

	slog.Info("sandbox terminated", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running.
func (c *DockerController) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect sandbox %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// EnsureNetwork creates the custom bridge network if it doesn't exist.
func (c *DockerController) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := c.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == c.cfg.Network {
			slog.Info("sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := c.cli.NetworkCreate(ctx, c.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: c.cfg.NetworkSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", c.cfg.Network, err)
	}

	slog.Info("sandbox network created", "network_id", createResp.ID, "subnet", c.cfg.NetworkSubnet)
	return createResp.ID, nil
}

// Client returns the underlying Docker client.
func (c *DockerController) Client() *client.Client {
	return c.cli
}

func ptr[T any](v T) *T {
	return &v
}
