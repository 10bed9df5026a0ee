package workflow

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// - a pipeline is described by a single definition file in the repo
// - the definition is a set of stages, each gated on the stages it needs
// - a stage with a matrix fans out into one job per variant
// - each job runs its steps serially inside its own environment

type (
	// Definition is the structural representation of a pipeline file.
	// It is immutable once loaded; everything downstream (graph,
	// scheduler) works on this value without writing back into it.
	Definition struct {
		Name   string  `yaml:"-"` // name of the definition file
		Stages []Stage `yaml:"stages"`
	}

	Stage struct {
		ID          string            `yaml:"id"`
		Needs       StringList        `yaml:"needs"`
		When        []Constraint      `yaml:"when"`
		Matrix      Matrix            `yaml:"matrix"`
		RunsOn      string            `yaml:"runs-on"`
		Container   *Container        `yaml:"container"`
		Steps       []Step            `yaml:"steps"`
		Artifacts   map[string]string `yaml:"artifacts"` // name -> path glob, relative to the workspace
		Coverage    *Coverage         `yaml:"coverage"`
		Environment map[string]string `yaml:"environment"`
	}

	// Coverage asks for the profiling fragments a stage's steps left
	// in the workspace to be merged into one report after the steps
	// finish. Fragments that fail to parse are skipped, as are
	// records for excluded source files.
	Coverage struct {
		Fragments string     `yaml:"fragments"` // glob of raw fragment files
		Exclude   StringList `yaml:"exclude"`   // source paths dropped from the merged report
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch"` // this is optional, and only applied on "push" and "pull_request" events
	}

	// Container declares an image-isolated environment for a stage.
	// Image and environment entries may carry {version} and {matrix.*}
	// placeholders; they are expanded per job before the environment
	// comes up. Environment KEYS may be templated too, which is how a
	// toolchain that wants e.g. LLVM_SYS_{version}_PREFIX gets a
	// version-qualified variable name.
	Container struct {
		Image       string            `yaml:"image"`
		Version     string            `yaml:"version"`
		Environment map[string]string `yaml:"environment"`
	}

	Step struct {
		Name        string            `yaml:"name"`
		Uses        string            `yaml:"uses"`
		With        map[string]string `yaml:"with"`
		Run         string            `yaml:"run"`
		Shell       string            `yaml:"shell"`
		Always      bool              `yaml:"always"` // run even after an earlier step failed
		Environment map[string]string `yaml:"environment"`
	}

	StringList []string
)

func FromFile(name string, contents []byte) (Definition, error) {
	var def Definition

	err := yaml.Unmarshal(contents, &def)
	if err != nil {
		return def, err
	}

	def.Name = name

	return def, nil
}

// if any of the constraints on a stage is true, return true
func (s *Stage) ShouldRun(trigger Trigger) bool {
	// manual triggers always run the stage
	if trigger.Kind == TriggerKindManual {
		return true
	}

	// if not manual, run through the constraint list and see if any one matches
	for _, c := range s.When {
		if c.Match(trigger) {
			return true
		}
	}

	// no constraints, always run this stage
	if len(s.When) == 0 {
		return true
	}

	return false
}

// IsAction reports whether the step is an action reference rather
// than a run directive. Exactly one of the two forms is valid; see
// Definition.Validate.
func (s *Step) IsAction() bool {
	return s.Uses != ""
}

// DisplayName returns the step name, falling back to the command or
// action reference for unnamed steps.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.IsAction() {
		return s.Uses
	}
	return s.Run
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
