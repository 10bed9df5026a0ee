package host

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/workflow"
)

func testJob(t *testing.T, stage workflow.Stage) (*engine.Job, *engine.EnvSpec) {
	t.Helper()
	trigger := workflow.Trigger{Kind: workflow.TriggerKindPush, Ref: "refs/heads/main"}
	g, err := engine.BuildGraph(workflow.Definition{Stages: []workflow.Stage{stage}}, trigger, engine.BuildOptions{})
	require.NoError(t, err)
	job := g.Jobs[0]
	spec, err := engine.ResolveJob(job, trigger, engine.Builtins(), nil)
	require.NoError(t, err)
	return job, spec
}

func testRuntime(t *testing.T) *Runtime {
	return New(context.Background(), Options{BaseDir: t.TempDir()})
}

func logData(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line engine.LogLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line.Kind == "data" {
			b.WriteString(line.Data)
		}
	}
	require.NoError(t, sc.Err())
	return b.String()
}

func TestRunStepExecutesInWorkspace(t *testing.T) {
	job, spec := testJob(t, workflow.Stage{
		ID: "build",
		Steps: []workflow.Step{
			{Name: "greet", Run: `printf 'hello from %s' "$LOOM_STAGE"`},
		},
	})
	rt := testRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.SetupJob(ctx, job, spec, nil))
	defer rt.DestroyJob(ctx, job, spec)

	logDir := t.TempDir()
	logger, err := engine.NewJobLogger(logDir, "run-1", job)
	require.NoError(t, err)

	require.NoError(t, rt.RunStep(ctx, job, spec, 0, logger))
	require.NoError(t, logger.Close())

	assert.Contains(t, logData(t, engine.LogFilePath(logDir, "run-1", job)), "hello from build")
}

func TestRunStepFailure(t *testing.T) {
	job, spec := testJob(t, workflow.Stage{
		ID:    "build",
		Steps: []workflow.Step{{Run: "exit 3"}},
	})
	rt := testRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.SetupJob(ctx, job, spec, nil))
	defer rt.DestroyJob(ctx, job, spec)

	err := rt.RunStep(ctx, job, spec, 0, engine.NewDiscardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrStepFailed)
	assert.Contains(t, err.Error(), "exit code 3")
}

func TestRunStepTimeout(t *testing.T) {
	job, spec := testJob(t, workflow.Stage{
		ID:    "build",
		Steps: []workflow.Step{{Run: "sleep 5"}},
	})
	rt := testRuntime(t)

	require.NoError(t, rt.SetupJob(context.Background(), job, spec, nil))
	defer rt.DestroyJob(context.Background(), job, spec)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := rt.RunStep(ctx, job, spec, 0, engine.NewDiscardLogger())
	assert.ErrorIs(t, err, engine.ErrTimedOut)
}

func TestCollectArtifacts(t *testing.T) {
	fragment := "TN:\nSF:src/main.rs\nDA:1,1\nend_of_record\n"
	job, spec := testJob(t, workflow.Stage{
		ID: "test",
		Steps: []workflow.Step{
			{Run: `mkdir -p target/release && printf 'ELF' > target/release/app && printf 'TN:\nSF:src/main.rs\nDA:1,1\nend_of_record\n' > app.info`},
		},
	})
	rt := testRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.SetupJob(ctx, job, spec, nil))
	defer rt.DestroyJob(ctx, job, spec)
	require.NoError(t, rt.RunStep(ctx, job, spec, 0, engine.NewDiscardLogger()))

	dest := t.TempDir()
	got, err := rt.CollectArtifacts(ctx, job, spec, dest, map[string]string{
		"bin":       "target/release/*",
		".coverage": "*.info",
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, engine.CollectedArtifact{
		Name: ".coverage",
		Path: filepath.Join(dest, ".coverage", "app.info"),
		Size: int64(len(fragment)),
	}, got[0])
	assert.Equal(t, engine.CollectedArtifact{
		Name: "bin",
		Path: filepath.Join(dest, "bin", "app"),
		Size: 3,
	}, got[1])

	data, err := os.ReadFile(got[0].Path)
	require.NoError(t, err)
	assert.Equal(t, fragment, string(data))
}

func TestCollectArtifactsEmptyGlob(t *testing.T) {
	job, spec := testJob(t, workflow.Stage{
		ID:    "build",
		Steps: []workflow.Step{{Run: "true"}},
	})
	rt := testRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.SetupJob(ctx, job, spec, nil))
	defer rt.DestroyJob(ctx, job, spec)

	got, err := rt.CollectArtifacts(ctx, job, spec, t.TempDir(), map[string]string{"bin": "target/*"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCollectArtifactsRejectsEscapingGlob(t *testing.T) {
	job, spec := testJob(t, workflow.Stage{
		ID:    "build",
		Steps: []workflow.Step{{Run: "true"}},
	})
	rt := testRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.SetupJob(ctx, job, spec, nil))
	defer rt.DestroyJob(ctx, job, spec)

	_, err := rt.CollectArtifacts(ctx, job, spec, t.TempDir(), map[string]string{"leak": "../../etc/*"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the workspace")
}

func TestSetupRejectsUnknownPlatform(t *testing.T) {
	job, spec := testJob(t, workflow.Stage{
		ID:     "build",
		RunsOn: "windows-11-arm",
		Steps:  []workflow.Step{{Run: "true"}},
	})
	rt := New(context.Background(), Options{Platforms: []string{"linux"}, BaseDir: t.TempDir()})

	err := rt.SetupJob(context.Background(), job, spec, nil)
	assert.ErrorIs(t, err, engine.ErrUnknownPlatform)
}

func TestSetupRejectsContainerStage(t *testing.T) {
	job, spec := testJob(t, workflow.Stage{
		ID:        "build",
		Container: &workflow.Container{Image: "ubuntu:24.04"},
		Steps:     []workflow.Step{{Run: "true"}},
	})
	rt := testRuntime(t)

	err := rt.SetupJob(context.Background(), job, spec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only executes natively")
}

func TestDestroyRemovesWorkspace(t *testing.T) {
	job, spec := testJob(t, workflow.Stage{
		ID:    "build",
		Steps: []workflow.Step{{Run: "true"}},
	})
	rt := testRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.SetupJob(ctx, job, spec, nil))
	dir := rt.workspaceFor(job)
	require.DirExists(t, dir)

	require.NoError(t, rt.DestroyJob(ctx, job, spec))
	assert.NoDirExists(t, dir)

	// destroying twice is fine
	require.NoError(t, rt.DestroyJob(ctx, job, spec))
}

func TestCopyPathDirectory(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "book", "ch1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "book", "index.html"), []byte("<html>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "book", "ch1", "intro.html"), []byte("<h1>"), 0644))

	dest := t.TempDir()
	copied, err := copyPath(filepath.Join(src, "book"), dest)
	require.NoError(t, err)

	require.Len(t, copied, 2)
	assert.FileExists(t, filepath.Join(dest, "book", "index.html"))
	assert.FileExists(t, filepath.Join(dest, "book", "ch1", "intro.html"))
}
