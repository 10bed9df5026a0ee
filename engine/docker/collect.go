package docker

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"tangled.sh/tangled.sh/loom/engine"
)

// CollectArtifacts copies glob matches out of the workspace volume
// with a short-lived container that bind-mounts the destination
// directory, then enumerates what landed there on the host side.
func (r *Runtime) CollectArtifacts(ctx context.Context, job *engine.Job, spec *engine.EnvSpec, dest string, globs map[string]string) ([]engine.CollectedArtifact, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	res := r.resourcesFor(job)
	if res == nil {
		return nil, fmt.Errorf("job %s was never set up", job.Key())
	}

	bind := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: dest,
		Target: artifactDir,
	}}

	resp, err := r.docker.ContainerCreate(ctx, &container.Config{
		Image:      r.imageFor(spec),
		Cmd:        []string{"sh", "-c", collectScript(globs)},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "loom",
	}, r.hostConfig(job, res, bind), nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating collection container: %w", err)
	}
	defer r.destroyContainer(context.WithoutCancel(ctx), resp.ID)

	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, err
	}

	state, err := r.streamAndWait(ctx, resp.ID, io.Discard, io.Discard)
	if err != nil {
		return nil, err
	}
	if state.ExitCode != 0 {
		return nil, fmt.Errorf("collection exited with code %d", state.ExitCode)
	}

	return enumerate(dest, globs)
}

// collectScript renders the copy commands for every glob, one artifact
// directory per name. Globs stay unquoted so the shell expands them; a
// glob matching nothing copies nothing.
func collectScript(globs map[string]string) string {
	names := make([]string, 0, len(globs))
	for name := range globs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		dir := path.Join(artifactDir, name)
		fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(dir))
		fmt.Fprintf(&b, "cp -r %s %s 2>/dev/null || true\n", globs[name], shellQuote(dir))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// enumerate walks the destination and reports every regular file the
// collection container put there.
func enumerate(dest string, globs map[string]string) ([]engine.CollectedArtifact, error) {
	names := make([]string, 0, len(globs))
	for name := range globs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []engine.CollectedArtifact
	for _, name := range names {
		dir := filepath.Join(dest, name)
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			out = append(out, engine.CollectedArtifact{Name: name, Path: p, Size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
