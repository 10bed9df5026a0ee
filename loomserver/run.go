package loomserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/secrets"
)

// execute drives one accepted run to its verdict. It runs on a queue
// worker, never on a request goroutine, so it carries its own context.
func (s *Server) execute(id, project string, graph *engine.Graph) {
	l := s.l.With("run", id)
	ctx := log.IntoContext(context.Background(), l)

	// a run cancelled while it sat in the queue stays cancelled
	run, err := s.db.GetRun(id)
	if err != nil {
		l.Error("failed to load run", "err", err)
		return
	}
	if run.Status != engine.StatusPending {
		l.Info("skipping run", "status", run.Status)
		return
	}

	var unlocked []secrets.UnlockedSecret
	if project != "" {
		unlocked, err = s.sm.GetSecretsUnlocked(ctx, secrets.Scope(project))
		if err != nil {
			detail := fmt.Sprintf("unlocking secrets: %v", err)
			l.Error("failed to unlock secrets", "project", project, "err", err)
			if err := s.db.MarkRunFinished(id, engine.StatusFailed, detail, s.n); err != nil {
				l.Error("failed to mark run finished", "err", err)
			}
			if err := s.db.CancelPendingJobs(id, detail, s.n); err != nil {
				l.Error("failed to cancel pending jobs", "err", err)
			}
			if err := s.db.CreateStatusEvent(id, "", engine.StatusFailed, detail, s.n); err != nil {
				l.Error("failed to record status event", "err", err)
			}
			return
		}
	}

	sched := engine.NewScheduler(graph, s.rt, id, engine.Options{
		MaxParallel: s.cfg.Runner.MaxParallel,
		Secrets:     unlocked,
		OnStatus:    s.recordStatus(id),
		NewLogger: func(job *engine.Job) (*engine.JobLogger, error) {
			return engine.NewJobLogger(s.cfg.Server.LogDir, id, job)
		},
		Artifacts: s.store,
		Coverage:  s.sink,
	})

	s.mu.Lock()
	s.live[id] = sched
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.live, id)
		s.mu.Unlock()
	}()

	if err := s.db.MarkRunRunning(id, s.n); err != nil {
		l.Error("failed to mark run running", "err", err)
	}
	if err := s.db.CreateStatusEvent(id, "", engine.StatusRunning, "", s.n); err != nil {
		l.Error("failed to record status event", "err", err)
	}

	start := time.Now()
	summary := sched.Run(ctx)
	elapsed := time.Since(start)

	detail := summarize(summary)
	if err := s.db.MarkRunFinished(id, summary.Status, detail, s.n); err != nil {
		l.Error("failed to mark run finished", "err", err)
	}
	if err := s.db.CreateStatusEvent(id, "", summary.Status, detail, s.n); err != nil {
		l.Error("failed to record status event", "err", err)
	}
	s.rm.Observe(ctx, string(summary.Status), elapsed)

	l.Info("run finished", "status", summary.Status, "detail", detail, "elapsed", elapsed)
}

// recordStatus mirrors every job transition into the job table and the
// event feed. It runs on scheduler goroutines, so failures only log.
func (s *Server) recordStatus(runID string) func(*engine.Job, engine.RunStatus, string) {
	return func(job *engine.Job, status engine.RunStatus, detail string) {
		if err := s.db.MarkJob(runID, job.Key(), status, detail, s.n); err != nil {
			s.l.Error("failed to record job status", "run", runID, "job", job.Key(), "err", err)
		}
		if err := s.db.CreateStatusEvent(runID, job.Key(), status, detail, s.n); err != nil {
			s.l.Error("failed to record status event", "run", runID, "job", job.Key(), "err", err)
		}
	}
}

// summarize folds a summary into the one-line detail stored on the run
// row, like "4 jobs: 3 succeeded, 1 failed".
func summarize(summary *engine.Summary) string {
	counts := make(map[engine.RunStatus]int, len(summary.Jobs))
	for _, j := range summary.Jobs {
		counts[j.Status]++
	}

	var parts []string
	for _, status := range []engine.RunStatus{
		engine.StatusSucceeded,
		engine.StatusFailed,
		engine.StatusCancelled,
		engine.StatusSkipped,
		engine.StatusSkippedUpstream,
	} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	if len(parts) == 0 {
		return "no jobs"
	}
	return fmt.Sprintf("%d jobs: %s", len(summary.Jobs), strings.Join(parts, ", "))
}
