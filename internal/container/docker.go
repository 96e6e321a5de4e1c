// Package container wraps the Docker engine API for inference container
// lifecycle control.
package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Runtime starts, stops, and inspects a named container. Every call honors
// the caller's context deadline so a hung engine cannot stall the monitor.
type Runtime interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) (bool, error)
}

// DockerRuntime implements Runtime against the local Docker engine.
type DockerRuntime struct {
	cli *client.Client

	// stopGraceSeconds is passed to the engine as the SIGTERM-to-SIGKILL
	// grace period for ContainerStop.
	stopGraceSeconds int
}

// NewDockerRuntime connects to the Docker engine using the standard
// environment (DOCKER_HOST etc.).
func NewDockerRuntime(stopGraceSeconds int) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if stopGraceSeconds <= 0 {
		stopGraceSeconds = 10
	}
	return &DockerRuntime{cli: cli, stopGraceSeconds: stopGraceSeconds}, nil
}

// Start starts the named container.
func (d *DockerRuntime) Start(ctx context.Context, name string) error {
	slog.Info("starting container", "container", name)
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", name, err)
	}
	return nil
}

// Stop stops the named container with the configured grace period.
func (d *DockerRuntime) Stop(ctx context.Context, name string) error {
	slog.Info("stopping container", "container", name, "grace_s", d.stopGraceSeconds)
	grace := d.stopGraceSeconds
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &grace}); err != nil {
		return fmt.Errorf("container stop %s: %w", name, err)
	}
	return nil
}

// IsRunning inspects the named container and reports its true run state.
// Used to reconcile the controller's mirror after every start/stop call.
func (d *DockerRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return false, fmt.Errorf("container inspect %s: %w", name, err)
	}
	return info.State != nil && info.State.Running, nil
}

// Close releases the engine connection.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}
