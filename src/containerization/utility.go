// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"verifyrunner/src/logging"
)

// dockerAPI is the part of the Docker SDK client the runner uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	Close() error
}

// Client talks to the local Docker daemon on behalf of the sweeps and the
// command builder. The external script owns container creation.
type Client struct {
	api dockerAPI
}

func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

// Available pings the daemon.
func (c *Client) Available(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unavailable: %w", err)
	}
	return nil
}

// KillByNamePrefix kills every running container whose name starts with
// prefix and reports how many were killed.
func (c *Client) KillByNamePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("refusing to kill containers with an empty name prefix")
	}
	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	var errs []error
	killed := 0
	for _, ctr := range containers {
		if !hasNamePrefix(ctr.Names, prefix) {
			continue
		}
		if err := c.api.ContainerKill(ctx, ctr.ID, "SIGKILL"); err != nil {
			errs = append(errs, fmt.Errorf("kill container %s: %w", shortID(ctr.ID), err))
			continue
		}
		logging.Log(fmt.Sprintf("Killed container %s (%s)", shortID(ctr.ID), strings.Join(ctr.Names, ",")), slog.LevelInfo)
		killed++
	}
	return killed, errors.Join(errs...)
}

// ImageExists reports whether ref is present in the local image store.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("list images: %w", err)
	}
	return len(images) > 0, nil
}

func (c *Client) Close() error {
	return c.api.Close()
}

// hasNamePrefix matches Docker's "/name" form. The daemon's name filter is
// a substring match, so the prefix is checked again here.
func hasNamePrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), prefix) {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
