// Package docker is the gateway to the container runtime. It drives the
// docker CLI and translates non-zero exits into typed errors carrying the
// container identity and trimmed stderr.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/snaplicator/snaplicator/internal/logger"
)

// CommandError is a failed docker invocation.
type CommandError struct {
	Op        string
	Container string
	Stderr    string
	Err       error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("docker %s %s: %v: %s", e.Op, e.Container, e.Err, e.Stderr)
	}
	return fmt.Sprintf("docker %s %s: %v", e.Op, e.Container, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// runner executes an external command and returns stdout, stderr.
type runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.Bytes(), err
}

// Client issues container operations.
type Client struct {
	run runner
}

// NewClient creates a container runtime gateway.
func NewClient() *Client {
	return &Client{run: execRunner}
}

// EnsureAvailable verifies the docker daemon is reachable.
func (c *Client) EnsureAvailable(ctx context.Context) error {
	if _, stderr, err := c.run(ctx, "docker", "version", "--format", "{{.Server.Version}}"); err != nil {
		return &CommandError{Op: "version", Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	return nil
}

// EnsureNetwork creates the named network if it does not exist.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	stdout, stderr, err := c.run(ctx, "docker", "network", "ls", "--format", "{{.Name}}")
	if err != nil {
		return &CommandError{Op: "network ls", Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	for _, line := range strings.Split(string(stdout), "\n") {
		if strings.TrimSpace(line) == name {
			return nil
		}
	}
	if _, stderr, err := c.run(ctx, "docker", "network", "create", name); err != nil {
		return &CommandError{Op: "network create", Container: name, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	logger.Info("created docker network", "network", name)
	return nil
}

// RunOptions describes a container to start.
type RunOptions struct {
	Name      string
	Image     string
	Network   string
	Env       map[string]string
	Labels    map[string]string
	Mounts    map[string]string // host path -> container path
	HostPort  int               // bound to container port 5432
	ExtraArgs []string          // appended after the image (engine command flags)
}

// Run starts a detached container and returns its ID.
func (c *Client) Run(ctx context.Context, opts RunOptions) (string, error) {
	args := []string{"run", "-d", "--name", opts.Name}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.HostPort > 0 {
		args = append(args, "-p", fmt.Sprintf("%d:5432", opts.HostPort))
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", k+"="+v)
	}
	for host, cont := range opts.Mounts {
		args = append(args, "-v", host+":"+cont)
	}
	args = append(args, opts.Image)
	args = append(args, opts.ExtraArgs...)

	stdout, stderr, err := c.run(ctx, "docker", args...)
	if err != nil {
		return "", &CommandError{Op: "run", Container: opts.Name, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}

	id := strings.TrimSpace(string(stdout))
	if id == "" {
		return "", &CommandError{Op: "run", Container: opts.Name, Err: fmt.Errorf("docker run returned empty container id")}
	}
	logger.Info("started container", "container", opts.Name, "id", id[:min(12, len(id))])
	return id, nil
}

// Exec runs a command inside a container and returns trimmed stdout.
func (c *Client) Exec(ctx context.Context, container string, command ...string) (string, error) {
	args := append([]string{"exec", container}, command...)
	stdout, stderr, err := c.run(ctx, "docker", args...)
	if err != nil {
		return "", &CommandError{Op: "exec", Container: container, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	return strings.TrimSpace(string(stdout)), nil
}

// Stop stops a running container.
func (c *Client) Stop(ctx context.Context, container string) error {
	if _, stderr, err := c.run(ctx, "docker", "stop", container); err != nil {
		return &CommandError{Op: "stop", Container: container, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	return nil
}

// Remove force-removes a container. A missing container is not an error.
func (c *Client) Remove(ctx context.Context, container string) error {
	_, stderr, err := c.run(ctx, "docker", "rm", "-f", container)
	if err != nil {
		text := strings.TrimSpace(string(stderr))
		if strings.Contains(text, "No such container") {
			return nil
		}
		return &CommandError{Op: "rm", Container: container, Stderr: text, Err: err}
	}
	return nil
}

// IsRunning reports whether the named container is running.
func (c *Client) IsRunning(ctx context.Context, container string) (bool, error) {
	stdout, stderr, err := c.run(ctx, "docker", "inspect", "--format", "{{.State.Running}}", container)
	if err != nil {
		text := strings.TrimSpace(string(stderr))
		if strings.Contains(text, "No such object") || strings.Contains(text, "No such container") {
			return false, nil
		}
		return false, &CommandError{Op: "inspect", Container: container, Stderr: text, Err: err}
	}
	return strings.TrimSpace(string(stdout)) == "true", nil
}

// Logs returns the last tailLines of a container's logs (stdout and stderr
// interleaved), for post-mortem diagnostics.
func (c *Client) Logs(ctx context.Context, container string, tailLines int) (string, error) {
	stdout, stderr, err := c.run(ctx, "docker", "logs", "--tail", strconv.Itoa(tailLines), container)
	if err != nil {
		return "", &CommandError{Op: "logs", Container: container, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	// The engine logs to stderr; docker logs splits the streams.
	combined := string(stdout)
	if s := strings.TrimSpace(string(stderr)); s != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += s
	}
	return combined, nil
}

// ContainerInfo is the subset of docker inspect state the reconciler needs.
type ContainerInfo struct {
	Name      string
	Running   bool
	StartedAt *time.Time
	HostPort  int
	Labels    map[string]string
}

// inspectState mirrors the docker inspect JSON fields we read.
type inspectState struct {
	Name  string `json:"Name"`
	State struct {
		Running   bool   `json:"Running"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

// Inspect returns runtime state for one container. A missing container
// returns (nil, nil).
func (c *Client) Inspect(ctx context.Context, container string) (*ContainerInfo, error) {
	stdout, stderr, err := c.run(ctx, "docker", "inspect", container)
	if err != nil {
		text := strings.TrimSpace(string(stderr))
		if strings.Contains(text, "No such object") || strings.Contains(text, "No such container") {
			return nil, nil
		}
		return nil, &CommandError{Op: "inspect", Container: container, Stderr: text, Err: err}
	}

	var states []inspectState
	if err := json.Unmarshal(stdout, &states); err != nil {
		return nil, fmt.Errorf("parse docker inspect output for %s: %w", container, err)
	}
	if len(states) == 0 {
		return nil, nil
	}

	return containerInfoFromInspect(states[0]), nil
}

// ListByLabel returns the names of containers (running or not) carrying the
// given label, e.g. "snaplicator.role=clone".
func (c *Client) ListByLabel(ctx context.Context, label string) ([]string, error) {
	stdout, stderr, err := c.run(ctx, "docker", "ps", "-a", "--filter", "label="+label, "--format", "{{.Names}}")
	if err != nil {
		return nil, &CommandError{Op: "ps", Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}

	var names []string
	for _, line := range strings.Split(string(stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func containerInfoFromInspect(st inspectState) *ContainerInfo {
	info := &ContainerInfo{
		Name:    strings.TrimPrefix(st.Name, "/"),
		Running: st.State.Running,
		Labels:  st.Config.Labels,
	}

	if t, err := time.Parse(time.RFC3339Nano, st.State.StartedAt); err == nil && !t.IsZero() {
		info.StartedAt = &t
	}

	for portSpec, bindings := range st.NetworkSettings.Ports {
		if !strings.HasPrefix(portSpec, "5432/") || len(bindings) == 0 {
			continue
		}
		if p, err := strconv.Atoi(bindings[0].HostPort); err == nil {
			info.HostPort = p
		}
	}
	return info
}
