package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tangled.sh/tangled.sh/loom/artifact"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/secrets"
	"tangled.sh/tangled.sh/loom/workflow"
)

const DefaultMaxParallel = 4

const teardownTimeout = 2 * time.Minute

// Options configure one scheduler.
type Options struct {
	// MaxParallel bounds concurrently running jobs. Zero means
	// DefaultMaxParallel.
	MaxParallel int

	// Secrets are appended to every job environment, after
	// pipeline-declared variables.
	Secrets []secrets.UnlockedSecret

	// Actions resolves `uses:` steps. Nil means Builtins().
	Actions *ActionSet

	// OnStatus is invoked for every status transition, in the
	// goroutine that performed it. Keep it quick; slow sinks should
	// hand off.
	OnStatus func(job *Job, status RunStatus, detail string)

	// NewLogger opens the log sink for one job. Nil keeps no logs.
	NewLogger func(job *Job) (*JobLogger, error)

	// Artifacts is where collected files land. Nil disables
	// collection.
	Artifacts *artifact.Store

	// Coverage receives merged reports. Nil disables publishing;
	// merging still happens when a stage asks for it.
	Coverage artifact.CoverageSink
}

// JobResult is one job's line in the run summary.
type JobResult struct {
	Stage   string
	Variant workflow.Variant
	Key     string
	Status  RunStatus
	Detail  string
}

// Summary is the final report of one run. Jobs come out in graph
// order. Status is the verdict: failed if any job failed, else
// cancelled if any was cancelled, else succeeded. Skips alone never
// fail a run.
type Summary struct {
	RunID  string
	Status RunStatus
	Jobs   []JobResult
}

type jobState struct {
	job     *Job
	pending atomic.Int32
	once    sync.Once
}

// Scheduler drives one graph through one run. It is single-use:
// construct, Run once, read the summary.
//
// Jobs become ready when every prerequisite reached a terminal
// status; a fixed pool of workers picks ready jobs up. One job
// failing never stops its siblings, only its dependents.
type Scheduler struct {
	graph   *Graph
	runtime Runtime
	runID   string
	opts    Options

	statuses *statusTable
	states   map[string]*jobState
	readyCh  chan *jobState
	wg       sync.WaitGroup

	resMu   sync.Mutex
	results map[string]JobResult

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func NewScheduler(graph *Graph, runtime Runtime, runID string, opts Options) *Scheduler {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Actions == nil {
		opts.Actions = Builtins()
	}

	s := &Scheduler{
		graph:    graph,
		runtime:  runtime,
		runID:    runID,
		opts:     opts,
		statuses: newStatusTable(graph.Jobs),
		states:   make(map[string]*jobState, len(graph.Jobs)),
		readyCh:  make(chan *jobState, len(graph.Jobs)),
		results:  make(map[string]JobResult, len(graph.Jobs)),
		cancelCh: make(chan struct{}),
	}

	for _, job := range graph.Jobs {
		st := &jobState{job: job}
		st.pending.Store(int32(len(graph.Prerequisites(job))))
		s.states[job.Key()] = st
	}

	return s
}

// Cancel stops the run: pending jobs go straight to cancelled,
// running jobs are interrupted. Safe to call any number of times,
// from any goroutine.
func (s *Scheduler) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Status reports the current status of every job, keyed by job key.
func (s *Scheduler) Status() map[string]RunStatus {
	return s.statuses.snapshot()
}

// Run executes the graph and blocks until every job reached a
// terminal status.
func (s *Scheduler) Run(ctx context.Context) *Summary {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	l := log.FromContext(ctx).With("run", s.runID, "runtime", s.runtime.Name())
	l.Info("run starting", "jobs", len(s.graph.Jobs), "parallel", s.opts.MaxParallel)

	s.wg.Add(len(s.graph.Jobs))

	// once the run is cancelled, anything still pending will never
	// be picked up; resolve it here so Run can finish
	go func() {
		<-ctx.Done()
		for _, job := range s.graph.Jobs {
			st := s.states[job.Key()]
			if s.statuses.get(job.Key()) == StatusPending {
				s.finish(ctx, st, StatusCancelled, "run cancelled")
			}
		}
	}()

	for i := 0; i < s.opts.MaxParallel; i++ {
		go s.worker(ctx)
	}

	for _, job := range s.graph.Jobs {
		st := s.states[job.Key()]
		if st.pending.Load() == 0 {
			s.evaluate(ctx, st)
		}
	}

	s.wg.Wait()

	summary := &Summary{RunID: s.runID}
	s.resMu.Lock()
	for _, job := range s.graph.Jobs {
		summary.Jobs = append(summary.Jobs, s.results[job.Key()])
	}
	s.resMu.Unlock()
	summary.Status = verdict(summary.Jobs)

	l.Info("run finished", "status", summary.Status)
	return summary
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-s.readyCh:
			s.runJob(ctx, st)
		}
	}
}

// evaluate decides what happens to a job whose prerequisites have all
// settled: skip it upstream, skip it on condition, or queue it.
func (s *Scheduler) evaluate(ctx context.Context, st *jobState) {
	if ctx.Err() != nil {
		s.finish(ctx, st, StatusCancelled, "run cancelled")
		return
	}

	for _, pre := range s.graph.Prerequisites(st.job) {
		if ps := s.statuses.get(pre.Key()); ps != StatusSucceeded {
			s.finish(ctx, st, StatusSkippedUpstream, upstreamDetail(pre, ps))
			return
		}
	}

	if !st.job.Stage.ShouldRun(s.graph.Trigger) {
		s.finish(ctx, st, StatusSkipped, "condition not met")
		return
	}

	s.readyCh <- st
}

// finish settles a job exactly once, records the result, notifies,
// and releases dependents whose last prerequisite this was.
func (s *Scheduler) finish(ctx context.Context, st *jobState, status RunStatus, detail string) {
	st.once.Do(func() {
		s.statuses.set(st.job.Key(), status)
		final := s.statuses.get(st.job.Key())

		s.resMu.Lock()
		s.results[st.job.Key()] = JobResult{
			Stage:   st.job.Stage.ID,
			Variant: st.job.Variant,
			Key:     st.job.Key(),
			Status:  final,
			Detail:  detail,
		}
		s.resMu.Unlock()

		if s.opts.OnStatus != nil {
			s.opts.OnStatus(st.job, final, detail)
		}

		s.wg.Done()

		for _, dep := range s.graph.Dependents(st.job) {
			dst := s.states[dep.Key()]
			if dst.pending.Add(-1) == 0 {
				s.evaluate(ctx, dst)
			}
		}
	})
}

func (s *Scheduler) markRunning(st *jobState) bool {
	if !s.statuses.set(st.job.Key(), StatusRunning) {
		return false
	}
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st.job, StatusRunning, "")
	}
	return true
}

func upstreamDetail(pre *Job, status RunStatus) string {
	switch status {
	case StatusFailed:
		return fmt.Sprintf("needs %s, which failed", pre.Key())
	case StatusCancelled:
		return fmt.Sprintf("needs %s, which was cancelled", pre.Key())
	default:
		return fmt.Sprintf("needs %s, which was skipped", pre.Key())
	}
}

func verdict(jobs []JobResult) RunStatus {
	st := StatusSucceeded
	for _, j := range jobs {
		switch j.Status {
		case StatusFailed:
			return StatusFailed
		case StatusCancelled:
			st = StatusCancelled
		}
	}
	return st
}

// runJob drives one job through setup, steps, collection and
// teardown. The runtime does the work; this sequences it and turns
// errors into a terminal status.
func (s *Scheduler) runJob(ctx context.Context, st *jobState) {
	job := st.job
	l := log.FromContext(ctx).With("run", s.runID, "job", job.Key())

	if ctx.Err() != nil {
		s.finish(ctx, st, StatusCancelled, "run cancelled")
		return
	}

	// lost the race against the cancellation sweep
	if !s.markRunning(st) {
		return
	}

	spec, err := ResolveJob(job, s.graph.Trigger, s.opts.Actions, s.opts.Secrets)
	if err != nil {
		l.Error("provisioning failed", "err", err)
		s.finish(ctx, st, StatusFailed, fmt.Sprintf("provisioning: %v", err))
		return
	}

	logger := NewDiscardLogger()
	if s.opts.NewLogger != nil {
		logger, err = s.opts.NewLogger(job)
		if err != nil {
			l.Error("opening job log failed", "err", err)
			s.finish(ctx, st, StatusFailed, fmt.Sprintf("opening log: %v", err))
			return
		}
	}
	defer logger.Close()

	jobCtx := ctx
	if d := s.runtime.JobTimeout(); d > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := s.runtime.SetupJob(jobCtx, job, spec, logger); err != nil {
		l.Error("setup failed", "err", err)
		s.teardown(l, job, spec)
		if ctx.Err() != nil {
			s.finish(ctx, st, StatusCancelled, "run cancelled")
			return
		}
		s.finish(ctx, st, StatusFailed, fmt.Sprintf("setup: %v", err))
		return
	}

	failed := false
	cancelled := false
	var failDetail string

	for idx := range spec.StepCommands {
		step := job.Stage.Steps[idx]
		name := step.DisplayName()

		if ctx.Err() != nil {
			cancelled = true
			break
		}

		// after a failure only always-steps still run
		if failed && !step.Always {
			logger.Control(idx, name, "skipped")
			continue
		}

		logger.Control(idx, name, "started")
		err := s.runtime.RunStep(jobCtx, job, spec, idx, logger)
		if err == nil {
			logger.Control(idx, name, "succeeded")
			continue
		}

		logger.Control(idx, name, "failed")

		if ctx.Err() != nil {
			cancelled = true
			break
		}

		if jobCtx.Err() != nil {
			// job timeout: nothing further can run, always-steps included
			failed = true
			failDetail = fmt.Sprintf("step %q: %v after %s", name, ErrTimedOut, s.runtime.JobTimeout())
			break
		}

		if !failed {
			failed = true
			failDetail = fmt.Sprintf("step %q: %v", name, err)
		}
		l.Warn("step failed", "step", name, "err", err)
	}

	var collectErr error
	var collectDetail string
	if !cancelled {
		collectDetail, collectErr = s.collect(jobCtx, l, job, spec)
	}

	s.teardown(l, job, spec)

	switch {
	case cancelled:
		s.finish(ctx, st, StatusCancelled, "run cancelled")
	case failed:
		s.finish(ctx, st, StatusFailed, joinDetail(failDetail, collectDetail))
	case collectErr != nil:
		l.Error("artifact collection failed", "err", collectErr)
		s.finish(ctx, st, StatusFailed, fmt.Sprintf("collecting artifacts: %v", collectErr))
	default:
		s.finish(ctx, st, StatusSucceeded, collectDetail)
	}
}

func (s *Scheduler) teardown(l *slog.Logger, job *Job, spec *EnvSpec) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := s.runtime.DestroyJob(ctx, job, spec); err != nil {
		l.Error("teardown failed", "err", err)
	}
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "; " + b
}
