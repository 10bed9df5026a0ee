package workflow

import (
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
)

const (
	TriggerKindPush        string = "push"
	TriggerKindPullRequest string = "pull_request"
	TriggerKindManual      string = "manual"
)

// Trigger captures the event a run was started for. It is assembled
// once at the edge (webhook handler or CLI) and passed down by value;
// nothing mutates it after that.
type Trigger struct {
	Kind   string            `json:"kind"`
	Ref    string            `json:"ref,omitempty"`    // full git ref on pushes, e.g. refs/heads/main
	Branch string            `json:"branch,omitempty"` // target branch on pull requests
	Inputs map[string]string `json:"inputs,omitempty"` // manual dispatch inputs
}

func KnownTriggerKind(kind string) bool {
	switch kind {
	case TriggerKindPush, TriggerKindPullRequest, TriggerKindManual:
		return true
	}
	return false
}

func (c *Constraint) Match(trigger Trigger) bool {
	match := true

	// manual triggers always pass this constraint
	if trigger.Kind == TriggerKindManual {
		return true
	}

	// apply event constraints
	match = match && c.MatchEvent(trigger.Kind)

	// apply branch constraints for PRs
	if trigger.Kind == TriggerKindPullRequest && len(c.Branch) > 0 {
		match = match && c.MatchBranch(trigger.Branch)
	}

	// apply ref constraints for pushes
	if trigger.Kind == TriggerKindPush && len(c.Branch) > 0 {
		match = match && c.MatchRef(trigger.Ref)
	}

	return match
}

func (c *Constraint) MatchBranch(branch string) bool {
	return slices.Contains(c.Branch, branch)
}

func (c *Constraint) MatchRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return slices.Contains(c.Branch, refName.Short())
	}
	return false
}

func (c *Constraint) MatchEvent(event string) bool {
	return slices.Contains(c.Event, event)
}
