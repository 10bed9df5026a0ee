package engine

import (
	"fmt"
	"strconv"
	"strings"

	"tangled.sh/tangled.sh/loom/workflow"
)

// An Action renders a reusable step (`uses: <name>`) into the shell
// command that implements it. Inputs are validated at render time so
// a bad step fails the job during provisioning, not halfway through
// its run.
type Action interface {
	Name() string
	Render(with map[string]string, job *Job, trigger workflow.Trigger) (string, error)
}

// ActionSet resolves `uses:` references to actions.
type ActionSet struct {
	actions map[string]Action
}

func NewActionSet(actions ...Action) *ActionSet {
	set := &ActionSet{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		set.actions[a.Name()] = a
	}
	return set
}

// Builtins returns the actions every runner ships with.
func Builtins() *ActionSet {
	return NewActionSet(checkoutAction{})
}

func (s *ActionSet) Render(step workflow.Step, job *Job, trigger workflow.Trigger) (string, error) {
	if s == nil {
		return "", fmt.Errorf("%q: %w", step.Uses, ErrUnknownAction)
	}
	action, ok := s.actions[step.Uses]
	if !ok {
		return "", fmt.Errorf("%q: %w", step.Uses, ErrUnknownAction)
	}
	return action.Render(step.With, job, trigger)
}

// checkoutAction brings the triggering ref into the workspace.
// Fetch-by-ref into FETCH_HEAD works for branches, tags and bare
// commit SHAs alike, which a plain clone does not.
type checkoutAction struct{}

func (checkoutAction) Name() string { return "checkout" }

func (checkoutAction) Render(with map[string]string, job *Job, trigger workflow.Trigger) (string, error) {
	repo := with["repo"]
	if repo == "" {
		return "", fmt.Errorf("checkout: %q: %w", "repo", ErrMissingInput)
	}

	ref := with["ref"]
	if ref == "" {
		ref = trigger.Ref
	}
	if ref == "" {
		ref = trigger.Branch
	}
	if ref == "" {
		ref = "HEAD"
	}

	depth := with["depth"]
	if depth == "" {
		depth = "1"
	}
	if _, err := strconv.Atoi(depth); err != nil {
		return "", fmt.Errorf("checkout: depth %q is not a number", depth)
	}

	commands := []string{
		"git init",
		fmt.Sprintf("git remote add origin %s", shQuote(repo)),
		fmt.Sprintf("git fetch --depth=%s origin %s", depth, shQuote(ref)),
		"git checkout FETCH_HEAD",
	}
	return strings.Join(commands, " && "), nil
}

// shQuote single-quotes s for the shell, escaping embedded quotes.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
