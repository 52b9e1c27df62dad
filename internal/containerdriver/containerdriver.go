// Package containerdriver is the thin adapter over the Docker Engine API
// (C3). It exposes the narrow verb set the rest of the control plane
// needs — create/start, stop, inspect, exec, list, events — and classifies
// every error into the driver taxonomy the spec names (NotFound, Conflict,
// Timeout, Engine), mirroring how the Docker SDK itself is used by the
// pool managers in the retrieval pack.
package containerdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"golang.org/x/sync/errgroup"
)

// ErrKind classifies a driver failure.
type ErrKind int

const (
	ErrKindEngine ErrKind = iota
	ErrKindNotFound
	ErrKindConflict
	ErrKindTimeout
)

// DriverError wraps an underlying Docker client error with the spec's
// driver error taxonomy.
type DriverError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("containerdriver: %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrKindEngine
	switch {
	case client.IsErrNotFound(err):
		kind = ErrKindNotFound
	case errdefs.IsConflict(err):
		kind = ErrKindConflict
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrKindTimeout
	case client.IsErrConnectionFailed(err):
		kind = ErrKindEngine
	}
	return &DriverError{Kind: kind, Op: op, Err: err}
}

// Spec describes a container to be created. NetworkMode set to
// "container:<id>" is how an engine shares a VPN sidecar's network
// namespace.
type Spec struct {
	Image       string
	Name        string
	Env         []string
	Cmd         []string
	Labels      map[string]string
	NetworkMode string            // "" for the default bridge, else "container:<vpn container id>"
	PortBindings map[string]string // containerPort/proto -> hostPort, ignored when NetworkMode shares another container
}

// Info is the subset of container state the control plane consumes.
type Info struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Labels  map[string]string
	Ports   map[string]string // containerPort/proto -> hostPort
}

// Driver wraps a Docker API client.
type Driver struct {
	cli *client.Client
}

// New builds a Driver from the environment (DOCKER_HOST and friends),
// matching the client.FromEnv pattern used throughout the pack's pool
// managers.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("containerdriver: %w", err)
	}
	return &Driver{cli: cli}, nil
}

// NewWithClient wraps an already-constructed Docker client.
func NewWithClient(cli *client.Client) *Driver {
	return &Driver{cli: cli}
}

// CreateAndStart creates the container from spec and starts it, returning
// its ID.
func (d *Driver) CreateAndStart(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Cmd:    spec.Cmd,
		Labels: spec.Labels,
	}

	hostCfg := &container.HostConfig{}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	} else if len(spec.PortBindings) > 0 {
		portSet, portMap, err := toPortBindings(spec.PortBindings)
		if err != nil {
			return "", classify("create", err)
		}
		cfg.ExposedPorts = portSet
		hostCfg.PortBindings = portMap
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", classify("create", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, classify("start", err)
	}
	return resp.ID, nil
}

// Stop stops id, waiting up to timeout for a graceful exit before Docker
// sends SIGKILL.
func (d *Driver) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil {
		return classify("stop", err)
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return classify("remove", err)
	}
	return nil
}

// StopBatch stops many containers concurrently, bounded to at most 10
// in-flight stops so a shutdown of N containers takes roughly N/10 times
// one container's stop timeout, not N times.
func (d *Driver) StopBatch(ctx context.Context, ids []string, timeout time.Duration) map[string]error {
	const maxParallel = 10

	results := make(map[string]error, len(ids))
	var mu sync.Mutex
	sem := make(chan struct{}, maxParallel)
	g, gctx := errgroup.WithContext(ctx)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			err := d.Stop(gctx, id, timeout)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil // collect errors per-container; never abort the batch
		})
	}
	_ = g.Wait()
	return results
}

// Inspect returns the current state of id.
func (d *Driver) Inspect(ctx context.Context, id string) (Info, error) {
	resp, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Info{}, classify("inspect", err)
	}

	ports := make(map[string]string)
	if resp.NetworkSettings != nil {
		for portProto, bindings := range resp.NetworkSettings.Ports {
			if len(bindings) > 0 {
				ports[string(portProto)] = bindings[0].HostPort
			}
		}
	}

	return Info{
		ID:      resp.ID,
		Name:    resp.Name,
		Image:   resp.Config.Image,
		Running: resp.State != nil && resp.State.Running,
		Labels:  resp.Config.Labels,
		Ports:   ports,
	}, nil
}

// Exec runs argv inside id and fully drains stdout/stderr before
// returning, never leaving the attached pipe half-read.
func (d *Driver) Exec(ctx context.Context, id string, argv []string) (rc int, stdout, stderr string, err error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", "", classify("exec_create", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, "", "", classify("exec_attach", err)
	}
	defer attach.Close()

	var outBuf, errBuf bytes.Buffer
	if _, copyErr := stdcopy.StdCopy(&outBuf, &errBuf, attach.Reader); copyErr != nil {
		return 0, "", "", classify("exec_read", copyErr)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, outBuf.String(), errBuf.String(), classify("exec_inspect", err)
	}
	return inspect.ExitCode, outBuf.String(), errBuf.String(), nil
}

// List returns every container matching labelFilter (key=value pairs,
// all must match).
func (d *Driver) List(ctx context.Context, labelFilter map[string]string) ([]Info, error) {
	args := filters.NewArgs()
	for k, v := range labelFilter {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("list", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		ports := make(map[string]string)
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports[fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)] = fmt.Sprintf("%d", p.PublicPort)
			}
		}
		infos = append(infos, Info{
			ID:      c.ID,
			Name:    firstName(c.Names),
			Image:   c.Image,
			Running: c.State == "running",
			Labels:  c.Labels,
			Ports:   ports,
		})
	}
	return infos, nil
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	n := names[0]
	if len(n) > 0 && n[0] == '/' {
		return n[1:]
	}
	return n
}

// Events streams container lifecycle events matching labelFilter until ctx
// is cancelled. No other package in this repository calls it; the engine
// health monitor works by polling.
func (d *Driver) Events(ctx context.Context, labelFilter map[string]string) (<-chan string, <-chan error) {
	args := filters.NewArgs()
	args.Add("type", "container")
	for k, v := range labelFilter {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	msgs, errs := d.cli.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan string)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Actor.ID:
				case <-ctx.Done():
					return
				}
			case err, ok := <-errs:
				if !ok {
					return
				}
				select {
				case outErr <- classify("events", err):
				default:
				}
				return
			}
		}
	}()
	return out, outErr
}

func toPortBindings(bindings map[string]string) (nat.PortSet, nat.PortMap, error) {
	portSet := make(nat.PortSet, len(bindings))
	portMap := make(nat.PortMap, len(bindings))
	for containerPort, hostPort := range bindings {
		p, err := nat.NewPort(protoOf(containerPort), portNumberOf(containerPort))
		if err != nil {
			return nil, nil, err
		}
		portSet[p] = struct{}{}
		portMap[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}
	return portSet, portMap, nil
}

func protoOf(spec string) string {
	for i := len(spec) - 1; i >= 0; i-- {
		if spec[i] == '/' {
			return spec[i+1:]
		}
	}
	return "tcp"
}

func portNumberOf(spec string) string {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return spec[:i]
		}
	}
	return spec
}
