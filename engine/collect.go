package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tangled.sh/tangled.sh/loom/artifact"
)

// coverageFragmentsName keys the reserved collection entry gathering
// raw coverage fragments; the dot keeps it out of the artifact
// namespace.
const coverageFragmentsName = ".coverage"

const collectTimeout = 5 * time.Minute

// collect copies declared artifacts and coverage fragments out of
// the workspace, merges coverage, and registers everything. It
// survives job timeout on purpose: a failed or timed-out job still
// keeps its reports.
func (s *Scheduler) collect(ctx context.Context, l *slog.Logger, job *Job, spec *EnvSpec) (string, error) {
	if s.opts.Artifacts == nil {
		return "", nil
	}
	if len(job.Stage.Artifacts) == 0 && job.Stage.Coverage == nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collectTimeout)
	defer cancel()

	globs := make(map[string]string, len(job.Stage.Artifacts)+1)
	for name, glob := range job.Stage.Artifacts {
		globs[name] = glob
	}
	if job.Stage.Coverage != nil {
		globs[coverageFragmentsName] = job.Stage.Coverage.Fragments
	}

	dest, err := s.opts.Artifacts.Dest(s.runID, job.PathSafe())
	if err != nil {
		return "", err
	}

	collected, err := s.runtime.CollectArtifacts(ctx, job, spec, dest, globs)
	if err != nil {
		return "", err
	}

	var fragments []string
	degraded := 0
	for _, ca := range collected {
		if ca.Name == coverageFragmentsName {
			fragments = append(fragments, ca.Path)
			continue
		}
		rec, err := s.opts.Artifacts.Register(ctx, s.runID, job.Key(), ca.Name, ca.Path)
		if err != nil {
			return "", fmt.Errorf("registering %s: %w", ca.Name, err)
		}
		if rec.Degraded {
			degraded++
		}
	}

	var detail string
	if degraded > 0 {
		detail = fmt.Sprintf("%d artifact upload(s) failed", degraded)
	}

	if job.Stage.Coverage == nil {
		return detail, nil
	}
	return joinDetail(detail, s.mergeCoverage(ctx, l, job, dest, fragments)), nil
}

// mergeCoverage folds the collected fragments into one report and
// hands it to the sink. Nothing in here fails the job: a pipeline
// does not turn red because the coverage service was down. Whatever
// went wrong lands in the job detail instead.
func (s *Scheduler) mergeCoverage(ctx context.Context, l *slog.Logger, job *Job, dest string, fragments []string) string {
	if len(fragments) == 0 {
		return "coverage: no fragments matched"
	}

	report, stats, err := artifact.MergeLCOV(fragments, job.Stage.Coverage.Exclude)
	if err != nil {
		l.Warn("coverage merge failed", "err", err)
		return fmt.Sprintf("coverage: merge failed: %v", err)
	}

	dir := filepath.Join(dest, artifact.CoverageReportName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.Warn("coverage report write failed", "err", err)
		return fmt.Sprintf("coverage: %v", err)
	}

	path := filepath.Join(dir, "coverage.lcov")
	if err := os.WriteFile(path, report, 0644); err != nil {
		l.Warn("coverage report write failed", "err", err)
		return fmt.Sprintf("coverage: %v", err)
	}

	rec, err := s.opts.Artifacts.Register(ctx, s.runID, job.Key(), artifact.CoverageReportName, path)
	if err != nil {
		l.Warn("coverage report registration failed", "err", err)
		return fmt.Sprintf("coverage: %v", err)
	}

	detail := "coverage: " + stats.String()
	if rec.Degraded {
		detail = joinDetail(detail, "report upload failed")
	}

	if s.opts.Coverage != nil {
		pub := artifact.CoverageReport{
			RunID: s.runID,
			Job:   job.Key(),
			Stats: stats,
			LCOV:  report,
		}
		if err := s.opts.Coverage.Publish(ctx, pub); err != nil {
			l.Warn("coverage publish failed", "err", err)
			detail = joinDetail(detail, fmt.Sprintf("publish failed: %v", err))
		}
	}

	return detail
}
