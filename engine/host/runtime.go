// Package host runs jobs directly on the machine, for platforms a
// container cannot provide. Isolation is a throwaway workspace
// directory per job and nothing more; this runtime belongs on
// dedicated runner hosts.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/log"
)

type Options struct {
	// Platforms this runner executes natively. A job whose runs-on
	// label is not listed fails setup. Empty means the current OS
	// only.
	Platforms []string

	// BaseDir holds per-job workspaces. Empty means the system temp
	// directory.
	BaseDir string

	// JobTimeout bounds one job from setup through collection. Zero
	// means no bound.
	JobTimeout time.Duration
}

type Runtime struct {
	l    *slog.Logger
	opts Options

	mu         sync.Mutex
	workspaces map[*engine.Job]string
}

var _ engine.Runtime = (*Runtime)(nil)

func New(ctx context.Context, opts Options) *Runtime {
	if len(opts.Platforms) == 0 {
		opts.Platforms = []string{runtime.GOOS}
	}
	return &Runtime{
		l:          log.FromContext(ctx).With("component", "host"),
		opts:       opts,
		workspaces: make(map[*engine.Job]string),
	}
}

func (r *Runtime) Name() string { return "host" }

func (r *Runtime) JobTimeout() time.Duration { return r.opts.JobTimeout }

// SetupJob checks the platform label and creates the workspace.
func (r *Runtime) SetupJob(ctx context.Context, job *engine.Job, spec *engine.EnvSpec, logger *engine.JobLogger) error {
	if spec.Image != "" {
		return fmt.Errorf("stage %s declares a container image; this runner only executes natively", job.Stage.ID)
	}

	platform := spec.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	if !slices.Contains(r.opts.Platforms, platform) {
		return fmt.Errorf("%q: %w", platform, engine.ErrUnknownPlatform)
	}

	dir, err := os.MkdirTemp(r.opts.BaseDir, "loom-"+job.PathSafe()+"-")
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	r.mu.Lock()
	r.workspaces[job] = dir
	r.mu.Unlock()

	r.l.Info("created workspace", "job", job.Key(), "dir", dir)
	return nil
}

func (r *Runtime) RunStep(ctx context.Context, job *engine.Job, spec *engine.EnvSpec, idx int, logger *engine.JobLogger) error {
	dir := r.workspaceFor(job)
	if dir == "" {
		return fmt.Errorf("job %s was never set up", job.Key())
	}

	envs := append(engine.EnvVars(nil), spec.Env...)
	envs = append(envs, spec.StepEnv[idx]...)
	envs.AddEnv("HOME", dir)

	cmd := exec.CommandContext(ctx, spec.StepShells[idx], "-c", spec.StepCommands[idx])
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), envs.Slice()...)
	cmd.Stdout = logger.DataWriter(idx, "stdout")
	cmd.Stderr = logger.DataWriter(idx, "stderr")

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return engine.ErrTimedOut
		}
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("exit code %d: %w", exitErr.ExitCode(), engine.ErrStepFailed)
	}
	return err
}

// CollectArtifacts resolves each glob against the workspace and
// copies the matches under dest, one directory per artifact name.
func (r *Runtime) CollectArtifacts(ctx context.Context, job *engine.Job, spec *engine.EnvSpec, dest string, globs map[string]string) ([]engine.CollectedArtifact, error) {
	dir := r.workspaceFor(job)
	if dir == "" {
		return nil, fmt.Errorf("job %s was never set up", job.Key())
	}

	names := make([]string, 0, len(globs))
	for name := range globs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []engine.CollectedArtifact
	for _, name := range names {
		glob := globs[name]

		// globs may not climb out of the workspace
		if strings.Contains(glob, "..") {
			return nil, fmt.Errorf("artifact %s: glob %q escapes the workspace", name, glob)
		}

		matches, err := filepath.Glob(filepath.Join(dir, glob))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", name, err)
		}

		target := filepath.Join(dest, name)
		for _, match := range matches {
			copied, err := copyPath(match, target)
			if err != nil {
				return nil, fmt.Errorf("artifact %s: %w", name, err)
			}
			for _, c := range copied {
				out = append(out, engine.CollectedArtifact{Name: name, Path: c.path, Size: c.size})
			}
		}
	}
	return out, nil
}

func (r *Runtime) DestroyJob(ctx context.Context, job *engine.Job, spec *engine.EnvSpec) error {
	r.mu.Lock()
	dir := r.workspaces[job]
	delete(r.workspaces, job)
	r.mu.Unlock()

	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

func (r *Runtime) workspaceFor(job *engine.Job) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workspaces[job]
}

type copiedFile struct {
	path string
	size int64
}

// copyPath copies a file or directory tree into dir, preserving the
// base name, and reports every regular file written.
func copyPath(src, dir string) ([]copiedFile, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		return []copiedFile{{path: dst, size: info.Size()}}, nil
	}

	root := filepath.Join(dir, filepath.Base(src))
	var out []copiedFile
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(root, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		if err := copyFile(p, dst); err != nil {
			return err
		}
		out = append(out, copiedFile{path: dst, size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
