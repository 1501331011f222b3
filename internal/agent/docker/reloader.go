// Package docker reloads a containerised reverse proxy through the Docker
// API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/client"
)

// DefaultSignal makes nginx re-read its configuration.
const DefaultSignal = "HUP"

// ErrContainerNotFound is returned when the proxy container does not exist.
var ErrContainerNotFound = errors.New("docker: proxy container not found")

// Reloader signals the proxy container.
type Reloader struct {
	cli       *client.Client
	container string
	signal    string
	log       *slog.Logger
}

// NewReloader creates a Reloader for container using the environment's
// Docker settings.
func NewReloader(container string, log *slog.Logger) (*Reloader, error) {
	if container == "" {
		return nil, errors.New("docker: proxy container name required")
	}
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Reloader{cli: cli, container: container, signal: DefaultSignal, log: log}, nil
}

// Container is the name of the signalled container.
func (r *Reloader) Container() string {
	return r.container
}

// Reload sends the reload signal to the proxy container.
func (r *Reloader) Reload(ctx context.Context) error {
	_, err := r.cli.ContainerKill(ctx, r.container, client.ContainerKillOptions{Signal: r.signal})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, r.container)
		}
		return fmt.Errorf("signal %s to %s: %w", r.signal, r.container, err)
	}
	r.log.Info("proxy container signalled", "container", r.container, "signal", r.signal)
	return nil
}

// Close releases the Docker client.
func (r *Reloader) Close() error {
	return r.cli.Close()
}
