// Package containerruntime defines the container runtime port (interface).
package containerruntime

import (
	"context"

	"github.com/Strob0t/TaskForge/internal/domain/sandbox"
)

// Container is a created isolation unit.
type Container struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Labels            map[string]string `json:"labels,omitempty"`
	ConnectionDetails map[string]string `json:"connection_details,omitempty"`
}

// ExecResult holds the output of a command run inside a container.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runtime is the port interface for creating and tearing down isolated units.
type Runtime interface {
	// Create creates and starts a container for spec. The container may still
	// be provisioning when Create returns; poll Status for readiness.
	Create(ctx context.Context, spec sandbox.Spec) (*Container, error)

	// Status reports the container state. A missing container yields
	// sandbox.StatusNotFound and a nil error.
	Status(ctx context.Context, containerID string) (sandbox.Status, error)

	// Delete force-removes the container. A missing container yields an error
	// wrapping domain.ErrNotFound.
	Delete(ctx context.Context, containerID string) error

	// ListByLabel returns containers carrying label key=value.
	ListByLabel(ctx context.Context, key, value string) ([]Container, error)

	// Exec runs command inside a running container.
	Exec(ctx context.Context, containerID string, command []string) (*ExecResult, error)
}
