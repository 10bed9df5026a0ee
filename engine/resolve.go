package engine

import (
	"fmt"

	"tangled.sh/tangled.sh/loom/secrets"
	"tangled.sh/tangled.sh/loom/workflow"
)

// ResolveJob expands a job's templates against its variant and
// renders every step into a runnable command. All provisioning
// errors surface here, before the runtime touches anything, so a bad
// placeholder fails the job instead of half-creating its
// environment.
//
// Environment precedence, later wins: stage, container, injected
// LOOM_* variables, secrets.
func ResolveJob(job *Job, trigger workflow.Trigger, actions *ActionSet, unlocked []secrets.UnlockedSecret) (*EnvSpec, error) {
	stage := job.Stage
	vars := workflow.TemplateVars(job.Variant, stage.Container)

	runsOn, err := workflow.Expand(stage.RunsOn, vars)
	if err != nil {
		return nil, fmt.Errorf("runs-on: %w", err)
	}
	spec := &EnvSpec{Platform: runsOn}

	if stage.Container != nil {
		image, err := workflow.Expand(stage.Container.Image, vars)
		if err != nil {
			return nil, fmt.Errorf("container image: %w", err)
		}
		spec.Image = image
	}

	env := make(map[string]string)
	merge := func(scope string, m map[string]string) error {
		expanded, err := workflow.ExpandAll(m, vars)
		if err != nil {
			return fmt.Errorf("%s environment: %w", scope, err)
		}
		if err := ValidateEnvNames(expanded); err != nil {
			return fmt.Errorf("%s environment: %w", scope, err)
		}
		for k, v := range expanded {
			env[k] = v
		}
		return nil
	}

	if err := merge("stage", stage.Environment); err != nil {
		return nil, err
	}
	if stage.Container != nil {
		if err := merge("container", stage.Container.Environment); err != nil {
			return nil, err
		}
	}

	env["LOOM_STAGE"] = stage.ID
	env["LOOM_VARIANT"] = job.Variant.Key()
	env["LOOM_TRIGGER"] = trigger.Kind
	for _, axis := range stage.Matrix.Axes() {
		env[matrixEnvName(axis)] = job.Variant[axis]
	}

	spec.Env = ConstructEnvs(env)
	for _, s := range unlocked {
		spec.Env.AddEnv(s.Key, s.Value)
	}

	for idx, step := range stage.Steps {
		stepEnv, err := workflow.ExpandAll(step.Environment, vars)
		if err != nil {
			return nil, fmt.Errorf("step %d environment: %w", idx, err)
		}
		if err := ValidateEnvNames(stepEnv); err != nil {
			return nil, fmt.Errorf("step %d environment: %w", idx, err)
		}

		var command string
		if step.IsAction() {
			command, err = actions.Render(step, job, trigger)
			if err != nil {
				return nil, fmt.Errorf("step %d (%s): %w", idx, step.Uses, err)
			}
		} else {
			command, err = workflow.Expand(step.Run, vars)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", idx, err)
			}
		}

		shell := step.Shell
		if shell == "" {
			shell = "sh"
		}

		spec.StepCommands = append(spec.StepCommands, command)
		spec.StepShells = append(spec.StepShells, shell)
		spec.StepEnv = append(spec.StepEnv, ConstructEnvs(stepEnv))
	}

	return spec, nil
}
