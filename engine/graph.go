package engine

import (
	"fmt"
	"regexp"
	"strings"

	"tangled.sh/tangled.sh/loom/workflow"
)

var normalizeRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// normalize maps an arbitrary identifier onto something safe for
// volume names, file names and container names.
func normalize(name string) string {
	return normalizeRe.ReplaceAllString(name, "-")
}

// Job is one materialized unit of execution: a stage paired with one
// variant of its matrix. Identity is (stage id, variant key) and is
// stable across rebuilds of the same definition.
type Job struct {
	Stage   workflow.Stage
	Variant workflow.Variant

	key      string
	pathSafe string
}

func newJob(stage workflow.Stage, variant workflow.Variant) *Job {
	key := stage.ID
	if vk := variant.Key(); vk != "" {
		key = stage.ID + "/" + vk
	}
	return &Job{
		Stage:    stage,
		Variant:  variant,
		key:      key,
		pathSafe: normalize(strings.ReplaceAll(key, "/", "-")),
	}
}

func (j *Job) Key() string { return j.key }

// PathSafe returns the job key with everything outside
// [a-zA-Z0-9_.-] squashed, for use in file and volume names.
func (j *Job) PathSafe() string { return j.pathSafe }

func (j *Job) String() string { return j.key }

// Graph is the materialized run plan: every job of every stage, plus
// stage-level dependency edges. It is immutable after BuildGraph and
// deterministic: the same definition and trigger always produce the
// same jobs in the same order.
type Graph struct {
	Trigger workflow.Trigger
	Jobs    []*Job

	byStage    map[string][]*Job
	prereqs    map[string][]*Job
	dependents map[string][]*Job
}

type BuildOptions struct {
	// PairVariants narrows dependency edges between two matrixed
	// stages to jobs that agree on every shared axis, so e.g. the
	// linux test job waits only on the linux build job. Off by
	// default: a job then waits on every job of each needed stage.
	PairVariants bool
}

// BuildGraph expands the definition into jobs and wires dependency
// edges. Cycles and dangling needs are rejected here, before any job
// is scheduled.
func BuildGraph(def workflow.Definition, trigger workflow.Trigger, opts BuildOptions) (*Graph, error) {
	stageIndex := make(map[string]workflow.Stage, len(def.Stages))
	for _, stage := range def.Stages {
		if _, ok := stageIndex[stage.ID]; ok {
			return nil, fmt.Errorf("stage %q: duplicate id", stage.ID)
		}
		stageIndex[stage.ID] = stage
	}

	for _, stage := range def.Stages {
		for _, need := range stage.Needs {
			if _, ok := stageIndex[need]; !ok {
				return nil, fmt.Errorf("stage %q needs %q: %w", stage.ID, need, ErrUnknownStage)
			}
		}
	}

	if err := detectCycles(def.Stages); err != nil {
		return nil, err
	}

	g := &Graph{
		Trigger:    trigger,
		byStage:    make(map[string][]*Job, len(def.Stages)),
		prereqs:    make(map[string][]*Job),
		dependents: make(map[string][]*Job),
	}

	for _, stage := range def.Stages {
		for _, variant := range stage.Matrix.Variants() {
			job := newJob(stage, variant)
			g.Jobs = append(g.Jobs, job)
			g.byStage[stage.ID] = append(g.byStage[stage.ID], job)
		}
	}

	for _, job := range g.Jobs {
		for _, need := range job.Stage.Needs {
			for _, pre := range g.byStage[need] {
				if opts.PairVariants && !job.Variant.SharedAxesMatch(pre.Variant) {
					continue
				}
				g.prereqs[job.Key()] = append(g.prereqs[job.Key()], pre)
				g.dependents[pre.Key()] = append(g.dependents[pre.Key()], job)
			}
		}
	}

	return g, nil
}

// Prerequisites returns the jobs that must reach a terminal status
// before j may be considered.
func (g *Graph) Prerequisites(j *Job) []*Job {
	return g.prereqs[j.Key()]
}

func (g *Graph) Dependents(j *Job) []*Job {
	return g.dependents[j.Key()]
}

func (g *Graph) StageJobs(id string) []*Job {
	return g.byStage[id]
}

// detectCycles walks stage-level needs depth-first. A stage on the
// current path seen twice closes a cycle.
func detectCycles(stages []workflow.Stage) error {
	needs := make(map[string][]string, len(stages))
	for _, stage := range stages {
		needs[stage.ID] = stage.Needs
	}

	temporary := make(map[string]bool)
	permanent := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return fmt.Errorf("at stage %q: %w", id, ErrDependencyCycle)
		}

		temporary[id] = true
		for _, need := range needs[id] {
			if err := visit(need); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for _, stage := range stages {
		if err := visit(stage.ID); err != nil {
			return err
		}
	}
	return nil
}
