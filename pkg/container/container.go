// Package container implements the Container Driver (C7): a typed
// wrapper over the container runtime CLI, invoked via os/exec the
// way the daemon's own dockercall() helper does.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/paasd/pkg/log"
	"github.com/cuemby/paasd/pkg/paaserr"
)

// DefaultBinary is the container runtime CLI invoked for every call.
const DefaultBinary = "docker"

// StopGrace is how long Stop waits after SIGTERM (via the runtime's
// own --time flag) before the runtime escalates to SIGKILL.
const StopGrace = 10 * time.Second

// Driver shells out to the container runtime CLI for every operation.
type Driver struct {
	binary string
}

// New creates a Driver invoking binary (DefaultBinary if empty).
func New(binary string) *Driver {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Driver{binary: binary}
}

// CallError wraps a non-zero exit from the runtime CLI with its
// combined stdout+stderr output, mirroring dockercall()'s error text.
type CallError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("container call failed [%s %s]: %s", DefaultBinary, strings.Join(e.Args, " "), e.Output)
}

func (e *CallError) Unwrap() error { return e.Err }

// call runs the runtime CLI with args, logging stdout/stderr as it
// streams (mirroring the teacher's logWriter pattern) and returning
// the combined, trimmed output. When mayFail is true, a non-zero exit
// returns the output instead of an error (dockercall's fail_ok).
func (d *Driver) call(ctx context.Context, mayFail bool, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := strings.TrimSpace(buf.String())
	if err != nil {
		if mayFail {
			return output, nil
		}
		log.Errorf(fmt.Sprintf("container: call failed: %s %s", d.binary, strings.Join(args, " ")), err)
		return output, &CallError{Args: args, Output: output, Err: paaserr.New(paaserr.Runtime, "container.call", err)}
	}
	return output, nil
}

// Build runs "build --pull -t imageName dir".
func (d *Driver) Build(ctx context.Context, imageName, dir string) error {
	_, err := d.call(ctx, false, "build", "--pull", "-t", imageName, dir)
	return err
}

// RunOptions configures a container start.
type RunOptions struct {
	Name          string
	Image         string
	Network       string
	Publish       []string
	Volumes       []string
	Env           map[string]string
	Labels        []string
	MaxCPU        string
	MaxMemory     string
	AlwaysRestart bool
}

// Run starts a new detached container and returns its id.
func (d *Driver) Run(ctx context.Context, opts RunOptions) (string, error) {
	args := []string{"run", "-d"}
	if opts.AlwaysRestart {
		args = append(args, "--restart=always")
	}
	if opts.MaxCPU != "" {
		args = append(args, "--cpus="+opts.MaxCPU)
	}
	if opts.MaxMemory != "" {
		args = append(args, "--memory="+opts.MaxMemory)
	}
	if opts.Network != "" {
		args = append(args, "--network="+opts.Network)
	}
	for _, p := range opts.Publish {
		args = append(args, "--publish="+p)
	}
	for _, v := range opts.Volumes {
		args = append(args, "--volume="+v)
	}
	for _, l := range opts.Labels {
		args = append(args, "--label="+l)
	}
	for k, v := range opts.Env {
		args = append(args, fmt.Sprintf("--env=%s=%s", k, v))
	}
	if opts.Name != "" {
		args = append(args, "--name="+opts.Name)
	}
	args = append(args, opts.Image)

	return d.call(ctx, false, args...)
}

// Stop stops a container, tolerating one that is already gone.
func (d *Driver) Stop(ctx context.Context, nameOrID string) error {
	_, err := d.call(ctx, true, "stop", "--time", fmt.Sprintf("%d", int(StopGrace.Seconds())), nameOrID)
	return err
}

// Start restarts a previously-stopped container.
func (d *Driver) Start(ctx context.Context, nameOrID string) error {
	_, err := d.call(ctx, true, "start", nameOrID)
	return err
}

// Rename renames a container, tolerating failure (e.g. it crashed).
func (d *Driver) Rename(ctx context.Context, nameOrID, newName string) error {
	_, err := d.call(ctx, true, "rename", nameOrID, newName)
	return err
}

// Remove force-removes a container, tolerating one that is already gone.
func (d *Driver) Remove(ctx context.Context, nameOrID string) error {
	_, err := d.call(ctx, true, "rm", "-f", nameOrID)
	return err
}

// EnsureNetwork creates the named bridge network if it doesn't exist.
func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.call(ctx, true, "network", "create", name)
	return err
}

// ContainerPrune removes stopped containers.
func (d *Driver) ContainerPrune(ctx context.Context) error {
	_, err := d.call(ctx, false, "container", "prune", "--force")
	return err
}

// ImagePrune removes dangling images.
func (d *Driver) ImagePrune(ctx context.Context) error {
	_, err := d.call(ctx, false, "image", "prune", "--force")
	return err
}

// ContainerInfo is the subset of "inspect" this driver exposes.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// List returns info (id, name, labels) for every running container.
func (d *Driver) List(ctx context.Context) ([]ContainerInfo, error) {
	out, err := d.call(ctx, false, "container", "ls", "--format", "{{.ID}}")
	if err != nil {
		return nil, err
	}
	ids := strings.Fields(out)

	infos := make([]ContainerInfo, 0, len(ids))
	for _, id := range ids {
		name, err := d.call(ctx, false, "inspect", "--format", "{{.Name}}", id)
		if err != nil {
			return nil, err
		}
		labelsJSON, err := d.call(ctx, false, "inspect", "--format", "{{json .Config.Labels}}", id)
		if err != nil {
			return nil, err
		}
		labels, err := parseLabelsJSON(labelsJSON)
		if err != nil {
			return nil, paaserr.New(paaserr.Runtime, "container.List", err)
		}
		infos = append(infos, ContainerInfo{
			ID:     id,
			Name:   strings.TrimPrefix(name, "/"),
			Labels: labels,
		})
	}
	return infos, nil
}

// Inspect runs "inspect <nameOrID>" and returns the raw JSON array
// output, letting the caller decode just the fields it needs (state,
// restart count, mounts) without this package modeling docker's full
// inspect schema.
func (d *Driver) Inspect(ctx context.Context, nameOrID string) (string, error) {
	return d.call(ctx, false, "inspect", nameOrID)
}

// Stats runs "stats --no-stream" and returns its raw tabular output.
func (d *Driver) Stats(ctx context.Context) (string, error) {
	return d.call(ctx, false, "stats", "--no-stream")
}

// parseLabelsJSON decodes the `{{json .Config.Labels}}` inspect
// format, which is either a flat string->string object or the literal
// "null" for a container with no labels.
func parseLabelsJSON(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return map[string]string{}, nil
	}
	labels := map[string]string{}
	if err := json.Unmarshal([]byte(s), &labels); err != nil {
		return nil, err
	}
	return labels, nil
}
