// Package docker implements the container runtime port against the
// Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/port"
)

type containerRuntime struct {
	cli *client.Client
	log *zap.Logger
}

// NewRuntime connects to the engine named by the ambient DOCKER_*
// environment, negotiating the API version with the daemon.
func NewRuntime(log *zap.Logger) (port.ContainerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return &containerRuntime{cli: cli, log: log}, nil
}

func (r *containerRuntime) Spawn(ctx context.Context, spec port.ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:    spec.Image,
		Hostname: spec.Hostname,
		Env:      envList(spec.Env),
		Labels:   spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: int64(spec.CPUs * 1e9),
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Binds:         spec.Binds,
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Leave no half-started container behind.
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("starting container %s: %w", spec.Name, err)
	}

	r.log.Debug("Container started",
		zap.String("name", spec.Name),
		zap.String("container_id", created.ID))
	return created.ID, nil
}

func (r *containerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace / time.Second)
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

func (r *containerRuntime) Remove(ctx context.Context, containerID string) error {
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

func (r *containerRuntime) List(ctx context.Context, labels map[string]string) ([]port.ContainerState, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	summaries, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	states := make([]port.ContainerState, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			// The engine reports names with a leading slash.
			name = s.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		states = append(states, port.ContainerState{
			ID:        s.ID,
			Name:      name,
			Running:   s.State == "running",
			Exited:    s.State == "exited" || s.State == "dead",
			Labels:    s.Labels,
			CreatedAt: time.Unix(s.Created, 0),
		})
	}
	return states, nil
}

func (r *containerRuntime) Inspect(ctx context.Context, containerID string) (*port.ContainerState, error) {
	resp, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}

	state := &port.ContainerState{
		ID:      resp.ID,
		Name:    resp.Name,
		Running: resp.State != nil && resp.State.Running,
		Exited:  resp.State != nil && resp.State.Status == "exited",
	}
	if len(state.Name) > 0 && state.Name[0] == '/' {
		state.Name = state.Name[1:]
	}
	if resp.Config != nil {
		state.Labels = resp.Config.Labels
	}
	if ts, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
		state.CreatedAt = ts
	}
	return state, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
