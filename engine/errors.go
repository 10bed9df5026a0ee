package engine

import "errors"

var (
	ErrOOMKilled  = errors.New("oom killed")
	ErrTimedOut   = errors.New("timed out")
	ErrStepFailed = errors.New("step failed")

	// provisioning errors; fatal to the affected job only
	ErrBadEnvName      = errors.New("invalid environment variable name")
	ErrUnknownPlatform = errors.New("platform not available on this runner")
	ErrUnknownAction   = errors.New("unknown action")
	ErrMissingInput    = errors.New("missing action input")

	// graph construction errors; fatal before anything runs
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrUnknownStage    = errors.New("needs references an unknown stage")
)
