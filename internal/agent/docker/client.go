// Package docker wraps the Docker SDK for the control operations the
// orchestrator performs next to the runtime CLI: stopping, killing and
// finding agent containers.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/common/config"
	"github.com/kandev/foldrun/internal/common/logger"
)

// ContainerInfo holds information about an agent container.
type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	State   string // created, running, paused, restarting, removing, exited, dead
	Status  string
	Created time.Time
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-client")),
	}, nil
}

// Close closes the Docker client connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// StopContainer asks the container to stop and lets the daemon kill it once
// timeout has passed.
func (c *Client) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	c.logger.Info("stopping container", zap.String("container", name), zap.Duration("timeout", timeout))

	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// KillContainer sends signal to the container's main process.
func (c *Client) KillContainer(ctx context.Context, name string, signal string) error {
	c.logger.Info("killing container", zap.String("container", name), zap.String("signal", signal))

	if err := c.cli.ContainerKill(ctx, name, signal); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", name, err)
	}
	return nil
}

// ImageExists reports whether ref is present locally.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, _, err := c.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return true, nil
}

// ListByNamePrefix lists running containers whose name starts with
// prefix followed by a dash.
func (c *Client) ListByNamePrefix(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("name", "^/?"+prefix+"-"))
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		infos = append(infos, ContainerInfo{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			State:   ctr.State,
			Status:  ctr.Status,
			Created: time.Unix(ctr.Created, 0),
		})
	}
	return infos, nil
}
