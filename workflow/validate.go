package workflow

import (
	"errors"
	"fmt"
)

var (
	MissingStageID   error = errors.New("stage has no id")
	MissingSteps     error = errors.New("stage has no steps")
	MissingImage     error = errors.New("container has no image")
	MissingVersion   error = errors.New("image template references {version} but no version is pinned")
	AmbiguousStep    error = errors.New("step declares both `uses` and `run`")
	EmptyStep        error = errors.New("step declares neither `uses` nor `run`")
	EmptyMatrixAxis  error = errors.New("matrix axis has no values")
	MissingFragments error = errors.New("coverage declared without a fragments glob")
	DuplicateStageID error = errors.New("duplicate stage id")
	UnknownNeed      error = errors.New("needs references an unknown stage")
	SelfNeed         error = errors.New("stage needs itself")
)

// Validate runs every structural check over the definition and
// reports all findings at once. A definition whose diagnostics carry
// no errors is safe to hand to the graph builder; cycle detection
// happens there.
func (def *Definition) Validate() Diagnostics {
	var d Diagnostics

	ids := make(map[string]struct{}, len(def.Stages))
	for _, stage := range def.Stages {
		if stage.ID == "" {
			d.AddError(def.Name, MissingStageID)
			continue
		}
		if _, ok := ids[stage.ID]; ok {
			d.AddError(def.Name, fmt.Errorf("%q: %w", stage.ID, DuplicateStageID))
		}
		ids[stage.ID] = struct{}{}
	}

	for _, stage := range def.Stages {
		if stage.ID == "" {
			continue
		}
		path := def.Name + "/" + stage.ID

		for _, need := range stage.Needs {
			if need == stage.ID {
				d.AddError(path, SelfNeed)
				continue
			}
			if _, ok := ids[need]; !ok {
				d.AddError(path, fmt.Errorf("%q: %w", need, UnknownNeed))
			}
		}

		if len(stage.Steps) == 0 {
			d.AddError(path, MissingSteps)
		}

		for axis, values := range stage.Matrix {
			if len(values) == 0 {
				d.AddError(path, fmt.Errorf("%q: %w", axis, EmptyMatrixAxis))
			}
		}

		for _, c := range stage.When {
			for _, event := range c.Event {
				if !KnownTriggerKind(event) {
					d.AddWarning(path, InvalidConfiguration, fmt.Sprintf("unknown event kind %q never matches", event))
				}
			}
		}

		if stage.Container != nil {
			stage.validateContainer(path, &d)
		}

		for i, step := range stage.Steps {
			stepPath := fmt.Sprintf("%s/step[%d]", path, i)
			switch {
			case step.Uses != "" && step.Run != "":
				d.AddError(stepPath, AmbiguousStep)
			case step.Uses == "" && step.Run == "":
				d.AddError(stepPath, EmptyStep)
			}
			if step.Uses != "" && step.Shell != "" {
				d.AddWarning(stepPath, InvalidConfiguration, "`shell` has no effect on `uses` steps")
			}
		}

		for name, glob := range stage.Artifacts {
			if glob == "" {
				d.AddWarning(path, InvalidConfiguration, fmt.Sprintf("artifact %q has an empty path", name))
			}
		}

		if stage.Coverage != nil {
			if stage.Coverage.Fragments == "" {
				d.AddError(path, MissingFragments)
			}
			if _, ok := stage.Artifacts["coverage-report"]; ok {
				d.AddWarning(path, InvalidConfiguration, "artifact name \"coverage-report\" is reserved for the merged coverage report")
			}
		}
	}

	return d
}

func (s *Stage) validateContainer(path string, d *Diagnostics) {
	c := s.Container
	if c.Image == "" {
		d.AddError(path, MissingImage)
		return
	}
	if c.Version == "" && containsPlaceholder(c.Image, "version") {
		d.AddError(path, MissingVersion)
	}
	if c.Version == "" {
		for key, value := range c.Environment {
			if containsPlaceholder(key, "version") || containsPlaceholder(value, "version") {
				d.AddError(path, MissingVersion)
				return
			}
		}
	}
	if s.RunsOn != "" {
		d.AddWarning(path, InvalidConfiguration, "`runs-on` is ignored when a container is declared")
	}
}
