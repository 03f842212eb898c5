// Package docker implements the container runtime port by driving the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/sandbox"
	"github.com/Strob0t/TaskForge/internal/port/containerruntime"
)

// result is the outcome of one docker invocation.
type result struct {
	stdout   string
	stderr   string
	exitCode int
}

// runner executes docker with args. A non-zero exit is reported in result and
// as an error; err is also set when the binary could not be started.
type runner func(ctx context.Context, args ...string) (result, error)

// Runtime implements containerruntime.Runtime with the docker CLI.
type Runtime struct {
	run runner
}

var _ containerruntime.Runtime = (*Runtime)(nil)

// New returns a Runtime that invokes the docker binary found on PATH.
func New() *Runtime {
	return &Runtime{run: runDocker}
}

// runDocker executes a docker command and captures its output.
func runDocker(ctx context.Context, args ...string) (result, error) {
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: docker args are constructed internally, not from user input

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := result{stdout: stdout.String(), stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.exitCode = exitErr.ExitCode()
		} else {
			res.exitCode = -1
		}
		return res, fmt.Errorf("%s: %w", strings.TrimSpace(res.stderr), err)
	}
	return res, nil
}

// isNoSuch reports whether docker answered that the object does not exist.
func isNoSuch(res result) bool {
	return strings.Contains(res.stderr, "No such container") || strings.Contains(res.stderr, "No such object")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// createArgs builds the hardened `docker run` command line for spec.
func createArgs(spec sandbox.Spec) []string {
	l := spec.Limits
	args := []string{"run", "--detach", "--name", spec.Name}

	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	if l.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--memory=%dm", l.MemoryMB))
	}
	if l.CPUQuota > 0 {
		args = append(args, "--cpus="+strconv.FormatFloat(float64(l.CPUQuota)/1000, 'f', -1, 64))
	}
	if l.PidsLimit > 0 {
		args = append(args, fmt.Sprintf("--pids-limit=%d", l.PidsLimit))
	}
	if l.NetworkMode != "" {
		args = append(args, "--network="+l.NetworkMode)
	}
	if l.User != "" {
		args = append(args, "--user="+l.User)
	}
	if l.ReadOnlyRootFS {
		args = append(args, "--read-only", "--tmpfs", "/tmp")
	}
	args = append(args,
		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
		spec.Image,
	)

	if len(spec.Command) > 0 {
		args = append(args, spec.Command...)
	} else {
		// Keep the container alive for docker exec.
		args = append(args, "sleep", "infinity")
	}
	return args
}

// Create starts a detached container for spec.
func (r *Runtime) Create(ctx context.Context, spec sandbox.Spec) (*containerruntime.Container, error) {
	res, err := r.run(ctx, createArgs(spec)...)
	if err != nil {
		return nil, fmt.Errorf("docker run %s: %w", spec.Name, err)
	}
	id := strings.TrimSpace(res.stdout)
	if id == "" {
		return nil, fmt.Errorf("docker run %s: empty container id", spec.Name)
	}
	return &containerruntime.Container{
		ID:     id,
		Name:   spec.Name,
		Labels: spec.Labels,
		ConnectionDetails: map[string]string{
			"runtime":      "docker",
			"container_id": id,
			"name":         spec.Name,
			"exec":         "docker exec -i " + spec.Name,
		},
	}, nil
}

// mapState translates docker's State.Status and exit code.
func mapState(state string, exitCode int) sandbox.Status {
	switch state {
	case "created", "restarting":
		return sandbox.StatusProvisioning
	case "running", "paused":
		return sandbox.StatusRunning
	case "exited":
		if exitCode == 0 {
			return sandbox.StatusCompleted
		}
		return sandbox.StatusFailed
	case "dead", "removing":
		return sandbox.StatusFailed
	}
	return sandbox.StatusProvisioning
}

// Status inspects the container.
func (r *Runtime) Status(ctx context.Context, containerID string) (sandbox.Status, error) {
	res, err := r.run(ctx, "inspect", "--type", "container", "--format", "{{.State.Status}}|{{.State.ExitCode}}", containerID)
	if err != nil {
		if isNoSuch(res) {
			return sandbox.StatusNotFound, nil
		}
		return "", fmt.Errorf("docker inspect %s: %w", shortID(containerID), err)
	}
	state, code, _ := strings.Cut(strings.TrimSpace(res.stdout), "|")
	exitCode, _ := strconv.Atoi(code)
	return mapState(state, exitCode), nil
}

// Delete force-removes the container and its anonymous volumes.
func (r *Runtime) Delete(ctx context.Context, containerID string) error {
	res, err := r.run(ctx, "rm", "--force", "--volumes", containerID)
	if err != nil {
		if isNoSuch(res) {
			return fmt.Errorf("container %s: %w", shortID(containerID), domain.ErrNotFound)
		}
		return fmt.Errorf("docker rm %s: %w", shortID(containerID), err)
	}
	return nil
}

// ListByLabel lists running and stopped containers with label key=value.
func (r *Runtime) ListByLabel(ctx context.Context, key, value string) ([]containerruntime.Container, error) {
	res, err := r.run(ctx, "ps", "--all", "--no-trunc",
		"--filter", "label="+key+"="+value,
		"--format", "{{.ID}}\t{{.Names}}\t{{.Labels}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}

	var out []containerruntime.Container
	for line := range strings.Lines(res.stdout) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		c := containerruntime.Container{ID: fields[0], Labels: map[string]string{}}
		if len(fields) > 1 {
			c.Name = fields[1]
		}
		if len(fields) > 2 {
			for pair := range strings.SplitSeq(fields[2], ",") {
				if k, v, ok := strings.Cut(pair, "="); ok {
					c.Labels[k] = v
				}
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// Exec runs command in the container. A non-zero exit code is a result, not an error.
func (r *Runtime) Exec(ctx context.Context, containerID string, command []string) (*containerruntime.ExecResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: empty command", domain.ErrValidation)
	}
	args := append([]string{"exec", containerID}, command...)
	res, err := r.run(ctx, args...)
	out := &containerruntime.ExecResult{Stdout: res.stdout, Stderr: res.stderr, ExitCode: res.exitCode}
	if err != nil {
		if isNoSuch(res) {
			return nil, fmt.Errorf("container %s: %w", shortID(containerID), domain.ErrNotFound)
		}
		if res.exitCode > 0 {
			return out, nil
		}
		return nil, fmt.Errorf("docker exec %s: %w", shortID(containerID), err)
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
