// Package sandbox wraps the Docker SDK to provide sandbox container
// lifecycle operations for the broker. All engine calls go through a
// weighted semaphore so a burst of session activity cannot exhaust the
// daemon.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/moby/go-archive"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// Driver wraps the Docker client with broker semantics.
type Driver struct {
	cli    *client.Client
	cfg    config.DockerConfig
	sem    *semaphore.Weighted
	logger *logger.Logger
}

// NewDriver creates a Docker-backed sandbox driver.
func NewDriver(cfg config.DockerConfig, log *logger.Logger) (*Driver, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
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

	log.Info("sandbox driver created",
		zap.String("host", cfg.Host),
		zap.Int64("op_concurrency", cfg.OpConcurrency),
	)

	return &Driver{
		cli:    cli,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.OpConcurrency),
		logger: log.WithFields(zap.String("component", "sandbox-driver")),
	}, nil
}

// Close closes the underlying Docker client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// acquire bounds concurrent engine operations.
func (d *Driver) acquire(ctx context.Context) (release func(), err error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for engine slot: %w", err)
	}
	return func() { d.sem.Release(1) }, nil
}

// Ping checks that the engine is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// HasImage reports whether the sandbox image exists locally.
func (d *Driver) HasImage(ctx context.Context, ref string) (bool, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	filterArgs := filters.NewArgs()
	filterArgs.Add("reference", ref)
	images, err := d.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(images) > 0, nil
}

// BuildImage builds the sandbox image from the configured build context.
// Builds are slow, so the call uses its own deadline independent of the
// caller's.
func (d *Driver) BuildImage(ctx context.Context, ref string) error {
	if d.cfg.BuildContextDir == "" {
		return fmt.Errorf("no build context configured for image %s", ref)
	}

	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.BuildTimeoutDuration())
	defer cancel()

	d.logger.Info("building sandbox image",
		zap.String("image", ref),
		zap.String("context", d.cfg.BuildContextDir),
	)

	buildCtx, err := archive.TarWithOptions(d.cfg.BuildContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to tar build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", ref, err)
	}
	defer resp.Body.Close()

	// Drain the build output so the build actually completes
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("error reading image build output: %w", err)
	}

	d.logger.Info("sandbox image built", zap.String("image", ref))
	return nil
}

// EnsureImage makes sure the sandbox image is available, building it when a
// build context is configured and pulling otherwise.
func (d *Driver) EnsureImage(ctx context.Context, ref string) error {
	ok, err := d.HasImage(ctx, ref)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if d.cfg.BuildContextDir != "" {
		return d.BuildImage(ctx, ref)
	}

	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	d.logger.Info("pulling sandbox image", zap.String("image", ref))
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Create creates a sandbox container. Stdin stays open so later exec
// attaches can feed the control process, and auto-remove is off because the
// broker owns removal.
func (d *Driver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	labels := map[string]string{
		LabelManaged: "true",
		LabelAgentID: spec.AgentID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	networkMode := spec.NetworkMode
	if networkMode == "" {
		networkMode = d.cfg.NetworkMode
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Labels:     labels,
		OpenStdin:  true,
		StdinOnce:  false,
		Tty:        false,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(networkMode),
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	d.logger.Info("sandbox created",
		zap.String("sandbox_id", resp.ID),
		zap.String("name", spec.Name),
		zap.String("agent_id", spec.AgentID),
	)
	return resp.ID, nil
}

// Start starts a sandbox container.
func (d *Driver) Start(ctx context.Context, sandboxID string) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := d.cli.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", sandboxID, err)
	}
	d.logger.Info("sandbox started", zap.String("sandbox_id", sandboxID))
	return nil
}

// Stop stops a sandbox container within the configured grace window.
func (d *Driver) Stop(ctx context.Context, sandboxID string) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	grace := int(d.cfg.StopGraceDuration().Seconds())
	if err := d.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &grace}); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", sandboxID, err)
	}
	d.logger.Info("sandbox stopped", zap.String("sandbox_id", sandboxID))
	return nil
}

// Remove force-removes a sandbox container. A missing container or a removal
// already in progress both count as success.
func (d *Driver) Remove(ctx context.Context, sandboxID string) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = d.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if IsNotFound(err) || IsConflict(err) {
			d.logger.Debug("sandbox already gone or being removed",
				zap.String("sandbox_id", sandboxID))
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", sandboxID, err)
	}
	d.logger.Info("sandbox removed", zap.String("sandbox_id", sandboxID))
	return nil
}

// Inspect returns the normalized state of a sandbox container.
func (d *Driver) Inspect(ctx context.Context, sandboxID string) (*ContainerInfo, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	inspect, err := d.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", sandboxID, err)
	}

	info := &ContainerInfo{
		ID:      inspect.ID,
		Name:    trimSlash(inspect.Name),
		State:   inspect.State.Status,
		Running: inspect.State.Running,
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	info.ExitCode = inspect.State.ExitCode
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		info.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
		info.FinishedAt = t
	}
	return info, nil
}

// Exec runs a command inside the sandbox and waits for it to finish. When
// stdin is non-nil it is written to the process and the stream is closed,
// which is how FIFO writes reach the bridge without shell quoting.
func (d *Driver) Exec(ctx context.Context, sandboxID string, cmd []string, stdin []byte) (*ExecResult, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
	}

	created, err := d.cli.ContainerExecCreate(ctx, sandboxID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in %s: %w", sandboxID, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", sandboxID, err)
	}
	defer attach.Close()

	if stdin != nil {
		if _, err := attach.Conn.Write(stdin); err != nil {
			return nil, fmt.Errorf("failed to write exec stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return nil, fmt.Errorf("failed to close exec stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec in %s: %w", sandboxID, err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// CopyToContainer extracts a tar stream into destDir inside the sandbox.
func (d *Driver) CopyToContainer(ctx context.Context, sandboxID, destDir string, content io.Reader) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = d.cli.CopyToContainer(ctx, sandboxID, destDir, content, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy into container %s: %w", sandboxID, err)
	}
	return nil
}

// Logs returns the last lines of the sandbox's output.
func (d *Driver) Logs(ctx context.Context, sandboxID string, tail string) (string, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	reader, err := d.cli.ContainerLogs(ctx, sandboxID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs for %s: %w", sandboxID, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read logs for %s: %w", sandboxID, err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

// WaitReady polls until the container reports running or the deadline
// passes.
func (d *Driver) WaitReady(ctx context.Context, sandboxID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		info, err := d.Inspect(ctx, sandboxID)
		if err != nil {
			return err
		}
		if info.Running {
			return nil
		}
		if info.State == "exited" || info.State == "dead" {
			return fmt.Errorf("container %s exited with code %d before becoming ready", sandboxID, info.ExitCode)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s not running after %s", sandboxID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// ListManaged returns all containers carrying the broker's managed label,
// including stopped ones.
func (d *Driver) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = trimSlash(ctr.Names[0])
		}
		infos = append(infos, ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Labels: ctr.Labels,
		})
	}
	return infos, nil
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
