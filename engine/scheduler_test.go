package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/loom/artifact"
	"tangled.sh/tangled.sh/loom/secrets"
	"tangled.sh/tangled.sh/loom/workflow"
)

type fakeFile struct {
	name string
	data string
}

// fakeRuntime records every call the scheduler makes and can be
// scripted to fail, block, or materialize collected files.
type fakeRuntime struct {
	mu       sync.Mutex
	setups   []string
	steps    []string // "<job key>#<step idx>"
	destroys []string
	specs    map[string]*EnvSpec

	setupErr   map[string]error
	stepErr    map[string]error         // "<job key>#<step idx>" -> error
	block      map[string]chan struct{} // job key -> RunStep blocks until closed or ctx done
	collectErr error
	files      map[string][]fakeFile // glob name -> files CollectArtifacts produces
	timeout    time.Duration

	started chan string // receives job key when a step begins, if set
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		specs:    make(map[string]*EnvSpec),
		setupErr: make(map[string]error),
		stepErr:  make(map[string]error),
		block:    make(map[string]chan struct{}),
		files:    make(map[string][]fakeFile),
	}
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) JobTimeout() time.Duration { return r.timeout }

func (r *fakeRuntime) SetupJob(ctx context.Context, job *Job, spec *EnvSpec, logger *JobLogger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups = append(r.setups, job.Key())
	r.specs[job.Key()] = spec
	return r.setupErr[job.Key()]
}

func (r *fakeRuntime) RunStep(ctx context.Context, job *Job, spec *EnvSpec, idx int, logger *JobLogger) error {
	r.mu.Lock()
	r.steps = append(r.steps, fmt.Sprintf("%s#%d", job.Key(), idx))
	blockCh := r.block[job.Key()]
	err := r.stepErr[fmt.Sprintf("%s#%d", job.Key(), idx)]
	r.mu.Unlock()

	if r.started != nil {
		r.started <- job.Key()
	}

	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fmt.Fprintf(logger.DataWriter(idx, "stdout"), "%s\n", spec.StepCommands[idx])
	return err
}

func (r *fakeRuntime) CollectArtifacts(ctx context.Context, job *Job, spec *EnvSpec, dest string, globs map[string]string) ([]CollectedArtifact, error) {
	r.mu.Lock()
	collectErr := r.collectErr
	r.mu.Unlock()
	if collectErr != nil {
		return nil, collectErr
	}

	names := make([]string, 0, len(globs))
	for name := range globs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []CollectedArtifact
	for _, name := range names {
		r.mu.Lock()
		files := r.files[name]
		r.mu.Unlock()
		for _, f := range files {
			dir := filepath.Join(dest, name)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
			path := filepath.Join(dir, f.name)
			if err := os.WriteFile(path, []byte(f.data), 0644); err != nil {
				return nil, err
			}
			out = append(out, CollectedArtifact{Name: name, Path: path, Size: int64(len(f.data))})
		}
	}
	return out, nil
}

func (r *fakeRuntime) DestroyJob(ctx context.Context, job *Job, spec *EnvSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys = append(r.destroys, job.Key())
	return nil
}

func (r *fakeRuntime) seenSetups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.setups...)
}

func (r *fakeRuntime) seenSteps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

func (r *fakeRuntime) seenDestroys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.destroys...)
}

func (r *fakeRuntime) specFor(key string) *EnvSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specs[key]
}

func mustGraph(t *testing.T, def workflow.Definition, trigger workflow.Trigger, opts BuildOptions) *Graph {
	t.Helper()
	g, err := BuildGraph(def, trigger, opts)
	require.NoError(t, err)
	return g
}

func resultOf(t *testing.T, s *Summary, key string) JobResult {
	t.Helper()
	for _, j := range s.Jobs {
		if j.Key == key {
			return j
		}
	}
	t.Fatalf("no result for job %q", key)
	return JobResult{}
}

func indexOf(list []string, item string) int {
	for i, v := range list {
		if v == item {
			return i
		}
	}
	return -1
}

func TestSchedulerRunsInTopologicalOrder(t *testing.T) {
	g := mustGraph(t, pipelineDef(), pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()

	summary := NewScheduler(g, rt, "run-1", Options{}).Run(context.Background())

	require.Equal(t, StatusSucceeded, summary.Status)
	require.Len(t, summary.Jobs, 7)
	for _, j := range summary.Jobs {
		assert.Equal(t, StatusSucceeded, j.Status, j.Key)
	}

	setups := rt.seenSetups()
	require.Len(t, setups, 7)

	// a stage's jobs only start once every needed stage settled
	checkIdx := indexOf(setups, "check")
	for _, j := range g.StageJobs("build") {
		assert.Greater(t, indexOf(setups, j.Key()), checkIdx)
	}
	for _, b := range g.StageJobs("build") {
		for _, tj := range g.StageJobs("test") {
			assert.Greater(t, indexOf(setups, tj.Key()), indexOf(setups, b.Key()))
		}
	}

	// every job got exactly one teardown
	destroys := rt.seenDestroys()
	sort.Strings(destroys)
	want := make([]string, 0, 7)
	for _, j := range g.Jobs {
		want = append(want, j.Key())
	}
	sort.Strings(want)
	assert.Equal(t, want, destroys)
}

func TestSchedulerFailureSkipsDependentsOnly(t *testing.T) {
	g := mustGraph(t, pipelineDef(), pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()
	rt.stepErr["build/os=linux,profile=debug#0"] = errors.New("exit status 2")

	summary := NewScheduler(g, rt, "run-1", Options{}).Run(context.Background())

	assert.Equal(t, StatusFailed, summary.Status)

	failed := resultOf(t, summary, "build/os=linux,profile=debug")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, `step "make": exit status 2`, failed.Detail)

	// sibling variants of the failed stage are untouched
	for _, key := range []string{
		"build/os=linux,profile=release",
		"build/os=windows,profile=debug",
		"build/os=windows,profile=release",
	} {
		assert.Equal(t, StatusSucceeded, resultOf(t, summary, key).Status, key)
	}

	// without variant pairing every test job waits on every build
	for _, key := range []string{"test/os=linux", "test/os=windows"} {
		res := resultOf(t, summary, key)
		assert.Equal(t, StatusSkippedUpstream, res.Status, key)
		assert.Equal(t, "needs build/os=linux,profile=debug, which failed", res.Detail)
	}

	// skipped jobs never reach the runtime
	assert.Equal(t, -1, indexOf(rt.seenSetups(), "test/os=linux"))
	assert.Equal(t, -1, indexOf(rt.seenDestroys(), "test/os=linux"))
}

func TestSchedulerPairedVariantsFailIndependently(t *testing.T) {
	g := mustGraph(t, pipelineDef(), pushTrigger(), BuildOptions{PairVariants: true})
	rt := newFakeRuntime()
	rt.stepErr["build/os=linux,profile=debug#0"] = errors.New("exit status 2")

	summary := NewScheduler(g, rt, "run-1", Options{}).Run(context.Background())

	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, StatusSkippedUpstream, resultOf(t, summary, "test/os=linux").Status)
	assert.Equal(t, StatusSucceeded, resultOf(t, summary, "test/os=windows").Status)
}

func TestSchedulerConditionSkipPropagates(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{ID: "lint", Steps: []workflow.Step{{Run: "make lint"}}},
			{
				ID:    "docs",
				When:  []workflow.Constraint{{Event: workflow.StringList{"push"}}},
				Steps: []workflow.Step{{Run: "make docs"}},
			},
			{ID: "publish", Needs: workflow.StringList{"docs"}, Steps: []workflow.Step{{Run: "make publish"}}},
		},
	}
	trigger := workflow.Trigger{Kind: workflow.TriggerKindPullRequest, Branch: "main"}
	g := mustGraph(t, def, trigger, BuildOptions{})
	rt := newFakeRuntime()

	summary := NewScheduler(g, rt, "run-1", Options{}).Run(context.Background())

	// skips never fail a run
	assert.Equal(t, StatusSucceeded, summary.Status)

	assert.Equal(t, StatusSucceeded, resultOf(t, summary, "lint").Status)

	docs := resultOf(t, summary, "docs")
	assert.Equal(t, StatusSkipped, docs.Status)
	assert.Equal(t, "condition not met", docs.Detail)

	publish := resultOf(t, summary, "publish")
	assert.Equal(t, StatusSkippedUpstream, publish.Status)
	assert.Equal(t, "needs docs, which was skipped", publish.Detail)

	assert.Equal(t, []string{"lint"}, rt.seenSetups())
}

func TestSchedulerCancelMidRun(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{ID: "build", Steps: []workflow.Step{{Name: "compile", Run: "make"}}},
			{ID: "test", Needs: workflow.StringList{"build"}, Steps: []workflow.Step{{Run: "make test"}}},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()
	rt.block["build"] = make(chan struct{})
	rt.started = make(chan string, 4)

	s := NewScheduler(g, rt, "run-1", Options{})
	done := make(chan *Summary, 1)
	go func() { done <- s.Run(context.Background()) }()

	<-rt.started
	s.Cancel()
	summary := <-done

	assert.Equal(t, StatusCancelled, summary.Status)

	build := resultOf(t, summary, "build")
	assert.Equal(t, StatusCancelled, build.Status)
	assert.Equal(t, "run cancelled", build.Detail)

	// never started, resolved by the cancellation sweep
	test := resultOf(t, summary, "test")
	assert.Equal(t, StatusCancelled, test.Status)
	assert.Equal(t, "run cancelled", test.Detail)
	assert.Equal(t, -1, indexOf(rt.seenSetups(), "test"))

	// the interrupted job is still torn down
	assert.NotEqual(t, -1, indexOf(rt.seenDestroys(), "build"))

	// Cancel is idempotent
	s.Cancel()
}

func TestSchedulerAlwaysStepRunsAfterFailure(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{
				ID: "build",
				Steps: []workflow.Step{
					{Name: "compile", Run: "make"},
					{Name: "package", Run: "make dist"},
					{Name: "cleanup", Run: "rm -rf tmp", Always: true},
				},
			},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()
	rt.stepErr["build#0"] = errors.New("exit status 1")

	dir := t.TempDir()
	opts := Options{
		NewLogger: func(job *Job) (*JobLogger, error) {
			return NewJobLogger(dir, "run-1", job)
		},
	}
	summary := NewScheduler(g, rt, "run-1", opts).Run(context.Background())

	build := resultOf(t, summary, "build")
	assert.Equal(t, StatusFailed, build.Status)
	assert.Equal(t, `step "compile": exit status 1`, build.Detail)

	// package is skipped, cleanup still runs
	assert.Equal(t, []string{"build#0", "build#2"}, rt.seenSteps())

	var controls []string
	for _, line := range readLogLines(t, LogFilePath(dir, "run-1", g.Jobs[0])) {
		if line.Kind == "control" {
			controls = append(controls, line.Name+":"+line.Event)
		}
	}
	assert.Equal(t, []string{
		"compile:started",
		"compile:failed",
		"package:skipped",
		"cleanup:started",
		"cleanup:succeeded",
	}, controls)
}

func TestSchedulerJobTimeout(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{
				ID: "build",
				Steps: []workflow.Step{
					{Name: "compile", Run: "make"},
					{Name: "cleanup", Run: "rm -rf tmp", Always: true},
				},
			},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()
	rt.timeout = 50 * time.Millisecond
	rt.block["build"] = make(chan struct{}) // never closed

	summary := NewScheduler(g, rt, "run-1", Options{}).Run(context.Background())

	build := resultOf(t, summary, "build")
	assert.Equal(t, StatusFailed, build.Status)
	assert.Equal(t, `step "compile": timed out after 50ms`, build.Detail)

	// a timed out job runs nothing further, always-steps included
	assert.Equal(t, []string{"build#0"}, rt.seenSteps())
	assert.NotEqual(t, -1, indexOf(rt.seenDestroys(), "build"))
}

func TestSchedulerSetupFailure(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{ID: "build", Steps: []workflow.Step{{Run: "make"}}},
			{ID: "test", Needs: workflow.StringList{"build"}, Steps: []workflow.Step{{Run: "make test"}}},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()
	rt.setupErr["build"] = errors.New("image pull failed")

	summary := NewScheduler(g, rt, "run-1", Options{}).Run(context.Background())

	build := resultOf(t, summary, "build")
	assert.Equal(t, StatusFailed, build.Status)
	assert.Equal(t, "setup: image pull failed", build.Detail)

	// failed setup still tears down whatever half-exists
	assert.NotEqual(t, -1, indexOf(rt.seenDestroys(), "build"))
	assert.Empty(t, rt.seenSteps())

	assert.Equal(t, StatusSkippedUpstream, resultOf(t, summary, "test").Status)
}

func TestSchedulerProvisioningFailure(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{
				ID:        "build",
				Container: &workflow.Container{Image: "builder:{matrix.os}"},
				Steps:     []workflow.Step{{Run: "make"}},
			},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()

	summary := NewScheduler(g, rt, "run-1", Options{}).Run(context.Background())

	build := resultOf(t, summary, "build")
	assert.Equal(t, StatusFailed, build.Status)
	assert.Contains(t, build.Detail, "provisioning: container image:")

	// the runtime is never touched when provisioning fails
	assert.Empty(t, rt.seenSetups())
	assert.Empty(t, rt.seenDestroys())
}

func TestSchedulerCollectFailureFailsJob(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{
				ID:        "build",
				Steps:     []workflow.Step{{Run: "make"}},
				Artifacts: map[string]string{"bin": "target/bin/*"},
			},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()
	rt.collectErr = errors.New("workspace vanished")

	store, err := artifact.NewStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	summary := NewScheduler(g, rt, "run-1", Options{Artifacts: store}).Run(context.Background())

	build := resultOf(t, summary, "build")
	assert.Equal(t, StatusFailed, build.Status)
	assert.Equal(t, "collecting artifacts: workspace vanished", build.Detail)
}

type captureSink struct {
	mu      sync.Mutex
	reports []artifact.CoverageReport
}

func (c *captureSink) Publish(ctx context.Context, report artifact.CoverageReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report)
	return nil
}

func TestSchedulerArtifactsAndCoverage(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{
				ID:        "test",
				Steps:     []workflow.Step{{Name: "run tests", Run: "make test"}},
				Artifacts: map[string]string{"junit": "reports/junit.xml"},
				Coverage:  &workflow.Coverage{Fragments: "cov/*.info"},
			},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})

	rt := newFakeRuntime()
	rt.files["junit"] = []fakeFile{{"junit.xml", "<testsuite/>"}}
	rt.files[".coverage"] = []fakeFile{
		{"a.info", "TN:\nSF:src/lexer.rs\nDA:1,1\nDA:2,0\nend_of_record\n"},
		{"b.info", "TN:\nSF:src/lexer.rs\nDA:2,3\nDA:7,1\nend_of_record\n"},
		{"corrupt.info", "not lcov at all"},
	}

	store, err := artifact.NewStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	sink := &captureSink{}

	opts := Options{
		Artifacts: store,
		Coverage:  sink,
		Secrets:   []secrets.UnlockedSecret{{Key: "CRATES_TOKEN", Value: "hunter2"}},
	}
	summary := NewScheduler(g, rt, "run-1", opts).Run(context.Background())

	res := resultOf(t, summary, "test")
	require.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "coverage: 100.0% (3/3 lines, 1 files), 1 fragments skipped", res.Detail)

	// declared artifact and merged report are both registered; raw
	// fragments are not
	records := store.List("run-1")
	require.Len(t, records, 2)
	assert.Equal(t, artifact.CoverageReportName, records[0].Name)
	assert.Equal(t, "coverage.lcov", records[0].File)
	assert.Equal(t, "junit", records[1].Name)
	assert.Equal(t, "junit.xml", records[1].File)

	require.Len(t, sink.reports, 1)
	report := sink.reports[0]
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, "test", report.Job)
	assert.Equal(t, artifact.CoverageStats{Files: 1, Lines: 3, Hit: 3, Skipped: 1}, report.Stats)
	assert.Contains(t, string(report.LCOV), "SF:src/lexer.rs")
	assert.Contains(t, string(report.LCOV), "DA:2,3")

	// secrets reached the job environment
	spec := rt.specFor("test")
	require.NotNil(t, spec)
	assert.Contains(t, spec.Env, "CRATES_TOKEN=hunter2")
}

type failingUploader struct{}

func (failingUploader) Upload(ctx context.Context, rec artifact.Record, r io.Reader) error {
	return errors.New("bucket unreachable")
}

func TestSchedulerUploadFailureIsAdvisory(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{
				ID:        "build",
				Steps:     []workflow.Step{{Run: "make"}},
				Artifacts: map[string]string{"bin": "target/bin/*"},
			},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()
	rt.files["bin"] = []fakeFile{{"compiler", "ELF"}}

	store, err := artifact.NewStore(
		t.TempDir(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		artifact.WithUploader(failingUploader{}),
	)
	require.NoError(t, err)

	summary := NewScheduler(g, rt, "run-1", Options{Artifacts: store}).Run(context.Background())

	build := resultOf(t, summary, "build")
	assert.Equal(t, StatusSucceeded, build.Status)
	assert.Equal(t, "1 artifact upload(s) failed", build.Detail)

	records := store.List("run-1")
	require.Len(t, records, 1)
	assert.True(t, records[0].Degraded)
}

func TestSchedulerCoverageFailureIsAdvisory(t *testing.T) {
	def := workflow.Definition{
		Stages: []workflow.Stage{
			{
				ID:       "test",
				Steps:    []workflow.Step{{Run: "make test"}},
				Coverage: &workflow.Coverage{Fragments: "cov/*.info"},
			},
		},
	}
	g := mustGraph(t, def, pushTrigger(), BuildOptions{})
	rt := newFakeRuntime() // produces no fragment files at all

	store, err := artifact.NewStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	summary := NewScheduler(g, rt, "run-1", Options{Artifacts: store}).Run(context.Background())

	res := resultOf(t, summary, "test")
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "coverage: no fragments matched", res.Detail)
	assert.Empty(t, store.List("run-1"))
}

func TestSchedulerStatusTransitionsAreMonotonic(t *testing.T) {
	g := mustGraph(t, pipelineDef(), pushTrigger(), BuildOptions{})
	rt := newFakeRuntime()
	rt.stepErr["build/os=linux,profile=debug#0"] = errors.New("exit status 2")

	var mu sync.Mutex
	transitions := make(map[string][]RunStatus)
	opts := Options{
		OnStatus: func(job *Job, status RunStatus, detail string) {
			mu.Lock()
			transitions[job.Key()] = append(transitions[job.Key()], status)
			mu.Unlock()
		},
	}
	s := NewScheduler(g, rt, "run-1", opts)
	s.Run(context.Background())

	require.Len(t, transitions, 7)
	for key, seq := range transitions {
		prev := StatusPending
		for _, st := range seq {
			assert.True(t, validTransition(prev, st), "%s: %v -> %v", key, prev, st)
			prev = st
		}
		assert.True(t, prev.Terminal(), "%s ended on %v", key, prev)
	}

	// once the run is over Status agrees with the reported terminals
	for key, st := range s.Status() {
		seq := transitions[key]
		assert.Equal(t, seq[len(seq)-1], st)
	}
}
