// Package provision turns a deployment request into a served endpoint.
// The Docker provisioner runs each deployment as a container with a
// dynamically bound host port; the memory provisioner fabricates
// endpoints for tests and demos.
package provision

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/slipway-sh/slipway/internal/core"
)

const (
	inspectRetries = 10
	inspectDelay   = 500 * time.Millisecond
)

// Docker implements core.Provisioner on top of the Docker daemon.
type Docker struct {
	cli           *client.Client
	containerPort int
	logger        zerolog.Logger

	mu         sync.Mutex
	containers map[string]string // deployment id -> container id
}

// NewDocker creates a Docker provisioner using the environment's daemon
// configuration. containerPort is the port the served process listens on
// inside the container.
func NewDocker(containerPort int, logger zerolog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{
		cli:           cli,
		containerPort: containerPort,
		logger:        logger.With().Str("component", "provision").Logger(),
		containers:    make(map[string]string),
	}, nil
}

// Provision pulls the deployment's image, starts a container with a
// dynamically assigned host port and returns the resulting endpoint.
// The container is cleaned up on any failure after creation.
func (d *Docker) Provision(ctx context.Context, req core.ProvisionRequest) (string, error) {
	imageName := req.Config["image"]
	if imageName == "" {
		imageName = fmt.Sprintf("%s:%s", req.Service, req.Version)
	}

	logger := d.logger.With().Str("deployment", req.DeploymentID).Str("image", imageName).Logger()
	logger.Info().Msg("pulling image")

	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	// Drain so the pull actually completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		logger.Warn().Err(err).Msg("failed to drain image pull output")
	}
	reader.Close()

	containerPortStr := fmt.Sprintf("%d/tcp", d.containerPort)
	natPort := nat.Port(containerPortStr)

	env := []string{fmt.Sprintf("PORT=%d", d.containerPort)}
	for k, v := range req.Config {
		if k == "image" {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
	}

	resp, err := d.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        imageName,
			Env:          env,
			ExposedPorts: nat.PortSet{natPort: struct{}{}},
			Tty:          false,
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				natPort: []nat.PortBinding{{
					HostIP:   "0.0.0.0",
					HostPort: "", // daemon assigns a free port
				}},
			},
		},
		nil,
		nil,
		containerName(req),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container for %s: %w", req.DeploymentID, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.removeContainer(resp.ID)
		return "", fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	hostPort, err := d.hostPort(ctx, resp.ID, natPort)
	if err != nil {
		d.removeContainer(resp.ID)
		return "", err
	}

	d.mu.Lock()
	d.containers[req.DeploymentID] = resp.ID
	d.mu.Unlock()

	endpoint := fmt.Sprintf("http://localhost:%d", hostPort)
	logger.Info().Str("container", resp.ID).Str("endpoint", endpoint).Msg("container provisioned")
	return endpoint, nil
}

// hostPort waits for the daemon to publish the dynamic binding. The
// binding is not always visible on the first inspect after start.
func (d *Docker) hostPort(ctx context.Context, containerID string, port nat.Port) (int, error) {
	for i := 0; i < inspectRetries; i++ {
		inspect, err := d.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			if i == inspectRetries-1 {
				return 0, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
			}
		} else if inspect.NetworkSettings != nil {
			if bindings, ok := inspect.NetworkSettings.Ports[port]; ok && len(bindings) > 0 && bindings[0].HostPort != "" {
				hostPort, err := nat.ParsePort(bindings[0].HostPort)
				if err != nil {
					return 0, fmt.Errorf("failed to parse host port %s: %w", bindings[0].HostPort, err)
				}
				return int(hostPort), nil
			}
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(inspectDelay):
		}
	}
	return 0, fmt.Errorf("no host port binding for container %s after %d attempts", containerID, inspectRetries)
}

// Deprovision stops and removes the deployment's container. A container
// that is already gone is not an error.
func (d *Docker) Deprovision(ctx context.Context, deploymentID string) error {
	d.mu.Lock()
	containerID, ok := d.containers[deploymentID]
	delete(d.containers, deploymentID)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil && !client.IsErrNotFound(err) {
		d.logger.Warn().Err(err).Str("container", containerID).Msg("failed to stop container")
	}
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{RemoveVolumes: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}

	d.logger.Info().Str("deployment", deploymentID).Str("container", containerID).Msg("container deprovisioned")
	return nil
}

func (d *Docker) removeContainer(containerID string) {
	if err := d.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn().Err(err).Str("container", containerID).Msg("failed to remove container after provisioning failure")
	}
}

// containerName derives a daemon-legal name from the request. Docker
// names allow [a-zA-Z0-9][a-zA-Z0-9_.-]*.
func containerName(req core.ProvisionRequest) string {
	name := fmt.Sprintf("%s-%s", req.Service, req.Slot)
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case i > 0 && (r == '_' || r == '.' || r == '-'):
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
