package compose

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// LocalProbe cross-checks container health against a local Docker
// Engine socket (grounded on evalgo-org-graphium's and
// jesseduffield-lazydocker's direct use of docker/docker/client). It is
// best-effort: when the MCP server and the target device are different
// hosts there is no local socket to reach, and callers should fall back
// to the SSH-based health probes of spec §4.5 instead of treating a
// dial failure here as fatal.
type LocalProbe struct {
	cli *client.Client
}

// NewLocalProbe dials the local Docker Engine API using the standard
// environment-derived connection (DOCKER_HOST, etc.). Returns an error
// if no local daemon is reachable; callers should treat that as "skip
// local cross-check", not as an installer failure.
func NewLocalProbe() (*LocalProbe, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("compose: connect to local docker engine: %w", err)
	}
	return &LocalProbe{cli: cli}, nil
}

func (p *LocalProbe) Close() error { return p.cli.Close() }

// ContainerHealthy reports whether a container with the given name is
// running and, if it declares a healthcheck, reports healthy.
func (p *LocalProbe) ContainerHealthy(ctx context.Context, containerName string) (bool, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerName)
	if err != nil {
		return false, fmt.Errorf("compose: inspect container %s: %w", containerName, err)
	}
	if inspect.State == nil {
		return false, nil
	}
	if inspect.State.Health != nil {
		return inspect.State.Health.Status == "healthy", nil
	}
	return inspect.State.Running, nil
}

// ContainerIDsForProject lists container IDs belonging to a compose
// project label, used to record them on the Installed Service Record
// after a docker_compose install.
func (p *LocalProbe) ContainerIDsForProject(ctx context.Context, project string) ([]string, error) {
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("compose: list containers: %w", err)
	}
	var ids []string
	for _, c := range containers {
		if c.Labels["com.docker.compose.project"] == project {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}
