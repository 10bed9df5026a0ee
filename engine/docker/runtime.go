// Package docker runs jobs in containers: one workspace volume and
// bridge network per job, one container per step, everything torn
// down when the job ends.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/log"
)

const (
	workspaceDir = "/loom/workspace"
	artifactDir  = "/loom/artifacts"
)

type cleanupFunc func(context.Context) error

// jobResources tracks what SetupJob created for one job. The suffix
// keeps docker object names unique when the same pipeline runs twice
// at once.
type jobResources struct {
	suffix  string
	cleanup []cleanupFunc
}

func (res *jobResources) register(fn cleanupFunc) {
	res.cleanup = append(res.cleanup, fn)
}

type Options struct {
	// DefaultImage runs stages that declare no container.
	DefaultImage string

	// JobTimeout bounds one job from setup through collection. Zero
	// means no bound.
	JobTimeout time.Duration
}

type Runtime struct {
	docker client.APIClient
	l      *slog.Logger
	opts   Options

	// recently pulled images, so sibling variants on the same image
	// pull once
	images *ristretto.Cache

	mu        sync.Mutex
	resources map[*engine.Job]*jobResources
}

var _ engine.Runtime = (*Runtime)(nil)

func New(ctx context.Context, opts Options) (*Runtime, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	images, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:            1e4,
		MaxCost:                1 << 10,
		BufferItems:            64,
		TtlTickerDurationInSec: 120,
	})
	if err != nil {
		return nil, err
	}

	return &Runtime{
		docker:    dcli,
		l:         log.FromContext(ctx).With("component", "docker"),
		opts:      opts,
		images:    images,
		resources: make(map[*engine.Job]*jobResources),
	}, nil
}

func (r *Runtime) Name() string { return "docker" }

func (r *Runtime) JobTimeout() time.Duration { return r.opts.JobTimeout }

func (r *Runtime) imageFor(spec *engine.EnvSpec) string {
	if spec.Image != "" {
		return spec.Image
	}
	return r.opts.DefaultImage
}

// SetupJob creates the workspace volume and network for one job and
// makes sure its image is present locally.
func (r *Runtime) SetupJob(ctx context.Context, job *engine.Job, spec *engine.EnvSpec, logger *engine.JobLogger) error {
	img := r.imageFor(spec)
	if img == "" {
		return fmt.Errorf("stage %s declares no container image and no default image is configured", job.Stage.ID)
	}

	res := &jobResources{suffix: uuid.NewString()[:8]}
	r.mu.Lock()
	r.resources[job] = res
	r.mu.Unlock()

	r.l.Info("setting up job", "job", job.Key(), "image", img)

	_, err := r.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   r.workspaceVolume(job, res),
		Driver: "local",
	})
	if err != nil {
		return err
	}
	res.register(func(ctx context.Context) error {
		return r.docker.VolumeRemove(ctx, r.workspaceVolume(job, res), true)
	})

	_, err = r.docker.NetworkCreate(ctx, r.networkName(job, res), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	res.register(func(ctx context.Context) error {
		return r.docker.NetworkRemove(ctx, r.networkName(job, res))
	})

	return r.ensureImage(ctx, img)
}

// ensureImage pulls the image unless a recent pull already brought it
// in.
func (r *Runtime) ensureImage(ctx context.Context, img string) error {
	if _, ok := r.images.Get(img); ok {
		return nil
	}

	reader, err := r.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		r.l.Error("image pull failed", "image", img, "err", err)
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	r.l.Info("pulled image", "image", img)
	r.images.SetWithTTL(img, struct{}{}, 1, time.Hour)
	return nil
}

func (r *Runtime) RunStep(ctx context.Context, job *engine.Job, spec *engine.EnvSpec, idx int, logger *engine.JobLogger) error {
	res := r.resourcesFor(job)
	if res == nil {
		return fmt.Errorf("job %s was never set up", job.Key())
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	envs := append(engine.EnvVars(nil), spec.Env...)
	envs = append(envs, spec.StepEnv[idx]...)
	envs.AddEnv("HOME", workspaceDir)

	resp, err := r.docker.ContainerCreate(ctx, &container.Config{
		Image:      r.imageFor(spec),
		Cmd:        []string{spec.StepShells[idx], "-c", spec.StepCommands[idx]},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "loom",
		Env:        envs.Slice(),
	}, r.hostConfig(job, res, nil), nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer r.destroyContainer(context.WithoutCancel(ctx), resp.ID)

	err = r.docker.NetworkConnect(ctx, r.networkName(job, res), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return err
	}
	r.l.Info("started container", "container", resp.ID, "job", job.Key(), "step", idx)

	state, err := r.streamAndWait(ctx, resp.ID, logger.DataWriter(idx, "stdout"), logger.DataWriter(idx, "stderr"))
	if err != nil {
		return err
	}

	if state.ExitCode != 0 {
		r.l.Error("step failed", "job", job.Key(), "step", idx, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		if state.OOMKilled {
			return engine.ErrOOMKilled
		}
		return fmt.Errorf("exit code %d: %w", state.ExitCode, engine.ErrStepFailed)
	}

	return nil
}

// streamAndWait follows the container's output into the given writers
// and waits for it to stop. On cancellation the container is killed
// and both goroutines are drained before returning.
func (r *Runtime) streamAndWait(ctx context.Context, containerID string, stdout, stderr io.Writer) (*container.State, error) {
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- r.tail(ctx, containerID, stdout, stderr)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = r.wait(ctx, containerID)
	}()

	select {
	case <-waitDone:
		<-tailDone

	case <-ctx.Done():
		r.l.Warn("killing container", "container", containerID, "reason", ctx.Err())
		if err := r.destroyContainer(context.WithoutCancel(ctx), containerID); err != nil {
			r.l.Error("failed to destroy container", "container", containerID, "err", err)
		}

		<-waitDone
		<-tailDone

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, engine.ErrTimedOut
		}
		return nil, ctx.Err()
	}

	if waitErr != nil {
		return nil, waitErr
	}
	return state, nil
}

func (r *Runtime) wait(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := r.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := r.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return info.State, nil
}

func (r *Runtime) tail(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	logs, err := r.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(stripANSI(stdout), stripANSI(stderr), logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("copying logs: %w", err)
	}
	return nil
}

func (r *Runtime) destroyContainer(ctx context.Context, containerID string) error {
	err := r.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := r.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

// DestroyJob releases everything SetupJob created, tolerating partial
// setup.
func (r *Runtime) DestroyJob(ctx context.Context, job *engine.Job, spec *engine.EnvSpec) error {
	r.mu.Lock()
	res := r.resources[job]
	delete(r.resources, job)
	r.mu.Unlock()

	if res == nil {
		return nil
	}

	for _, fn := range res.cleanup {
		if err := fn(ctx); err != nil {
			r.l.Error("failed to clean up job resource", "job", job.Key(), "err", err)
		}
	}
	return nil
}

func (r *Runtime) resourcesFor(job *engine.Job) *jobResources {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resources[job]
}

func (r *Runtime) workspaceVolume(job *engine.Job, res *jobResources) string {
	return fmt.Sprintf("loom-ws-%s-%s", job.PathSafe(), res.suffix)
}

func (r *Runtime) networkName(job *engine.Job, res *jobResources) string {
	return fmt.Sprintf("loom-net-%s-%s", job.PathSafe(), res.suffix)
}

func (r *Runtime) hostConfig(job *engine.Job, res *jobResources, extra []mount.Mount) *container.HostConfig {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeVolume,
			Source: r.workspaceVolume(job, res),
			Target: workspaceDir,
		},
		{
			Type:     mount.TypeTmpfs,
			Target:   "/tmp",
			ReadOnly: false,
			TmpfsOptions: &mount.TmpfsOptions{
				Mode: 0o1777, // world-writeable sticky bit
				Options: [][]string{
					{"exec"},
				},
			},
		},
	}
	mounts = append(mounts, extra...)

	return &container.HostConfig{
		Mounts:         mounts,
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
