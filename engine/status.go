package engine

import (
	"sync"
)

// RunStatus tracks one job through its lifetime. Terminal statuses
// are final: the table refuses any transition out of them, so a
// status can never regress once reported.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	// the stage's condition did not match the trigger
	StatusSkipped RunStatus = "skipped"
	// a needed job failed or was itself skipped
	StatusSkippedUpstream RunStatus = "skipped_upstream"
	StatusCancelled       RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusSkippedUpstream, StatusCancelled:
		return true
	}
	return false
}

// DidSkip covers both skip flavors; reporting keeps them distinct.
func (s RunStatus) DidSkip() bool {
	return s == StatusSkipped || s == StatusSkippedUpstream
}

func validTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusSkipped || to == StatusSkippedUpstream || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusCancelled
	}
	return false
}

type statusTable struct {
	mu       sync.Mutex
	statuses map[string]RunStatus
}

func newStatusTable(jobs []*Job) *statusTable {
	statuses := make(map[string]RunStatus, len(jobs))
	for _, j := range jobs {
		statuses[j.Key()] = StatusPending
	}
	return &statusTable{statuses: statuses}
}

func (t *statusTable) get(key string) RunStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statuses[key]
}

// set applies a transition and reports whether it took effect. An
// attempt to leave a terminal status is dropped, never applied.
func (t *statusTable) set(key string, to RunStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	from, ok := t.statuses[key]
	if !ok || !validTransition(from, to) {
		return false
	}
	t.statuses[key] = to
	return true
}

func (t *statusTable) snapshot() map[string]RunStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]RunStatus, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}
