package engine

import (
	"context"
	"time"
)

// EnvSpec is a job's fully resolved execution environment: the image
// or platform it runs on, the merged environment, and every step
// rendered down to a plain shell command. Runtimes consume this
// without ever seeing templates or action references.
type EnvSpec struct {
	// Image is the container image reference, already expanded.
	// Empty when the job runs natively.
	Image string

	// Platform is the runs-on label for native execution.
	Platform string

	// Env is the job-level environment, secrets last.
	Env EnvVars

	// Parallel to the stage's step list.
	StepCommands []string
	StepShells   []string
	StepEnv      []EnvVars
}

// CollectedArtifact is one file a runtime copied out of the job
// workspace after the steps finished.
type CollectedArtifact struct {
	// Name is the artifact map key the file matched.
	Name string
	// Path is the absolute path of the copy on the host.
	Path string
	Size int64
}

// Runtime executes resolved jobs. Implementations carry their own
// isolation model; the scheduler only sequences the calls: SetupJob,
// RunStep per step, CollectArtifacts, DestroyJob. DestroyJob runs
// even when setup or a step failed.
type Runtime interface {
	Name() string

	SetupJob(ctx context.Context, job *Job, spec *EnvSpec, logger *JobLogger) error

	RunStep(ctx context.Context, job *Job, spec *EnvSpec, idx int, logger *JobLogger) error

	// CollectArtifacts copies files matching globs (name -> glob,
	// relative to the workspace) into dest/<name>/ and reports what
	// it copied. A glob matching nothing is not an error.
	CollectArtifacts(ctx context.Context, job *Job, spec *EnvSpec, dest string, globs map[string]string) ([]CollectedArtifact, error)

	DestroyJob(ctx context.Context, job *Job, spec *EnvSpec) error

	// JobTimeout bounds one job from setup through collection.
	JobTimeout() time.Duration
}
