package ensemble

import (
	"fmt"
	"strings"
)

// Policy selects how a stage aggregates task failures.
type Policy string

const (
	// PolicyFailFast settles a stage as failed on the first failed task,
	// even while sibling tasks are still in flight.
	PolicyFailFast Policy = "fail_fast"
	// PolicyBestEffort waits for every task to turn terminal before
	// aggregating, and lets the pipeline continue past a failed stage.
	PolicyBestEffort Policy = "best_effort"
)

// ParsePolicy converts a string into a known Policy.
func ParsePolicy(value string) (Policy, bool) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicyFailFast:
		return PolicyFailFast, true
	case PolicyBestEffort:
		return PolicyBestEffort, true
	}
	return "", false
}

// Stage is an unordered set of tasks advanced together, plus an optional
// hook evaluated once the stage settles and before its pipeline moves on.
type Stage struct {
	uid     string
	state   State
	history []HistoryEntry

	Name     string
	PostExec StageHook

	tasks []*Task

	ParentPipeline string
}

// NewStage creates an empty stage in the initial state.
func NewStage(uid, name string) *Stage {
	return &Stage{
		uid:     uid,
		Name:    name,
		state:   StateInitial,
		history: appendHistory(nil, StateInitial),
	}
}

// UID returns the stage's immutable identifier.
func (s *Stage) UID() string { return s.uid }

// State returns the current aggregate lifecycle state.
func (s *Stage) State() State { return s.state }

// Terminal reports whether the stage can transition no further.
func (s *Stage) Terminal() bool { return IsTerminal(s.state) }

// History returns a copy of the append-only state history.
func (s *Stage) History() []HistoryEntry {
	cp := make([]HistoryEntry, len(s.history))
	copy(cp, s.history)
	return cp
}

// AddTasks hands ownership of the given tasks to the stage. Duplicate uids
// within one stage are rejected.
func (s *Stage) AddTasks(tasks ...*Task) error {
	for _, task := range tasks {
		if task == nil {
			return fmt.Errorf("stage %s: add nil task", s.uid)
		}
		for _, existing := range s.tasks {
			if existing.UID() == task.UID() {
				return fmt.Errorf("stage %s: task %s already present", s.uid, task.UID())
			}
		}
		task.ParentStage = s.uid
		task.ParentPipeline = s.ParentPipeline
		s.tasks = append(s.tasks, task)
	}
	return nil
}

// Tasks returns the member tasks. The slice is a copy; the tasks are not.
func (s *Stage) Tasks() []*Task {
	cp := make([]*Task, len(s.tasks))
	copy(cp, s.tasks)
	return cp
}

// Advance moves the stage to a new state and appends to its history.
func (s *Stage) Advance(to State) error {
	if !groupTransitions.allowed(s.state, to) {
		return &InvalidTransitionError{Kind: "stage", UID: s.uid, From: s.state, To: to}
	}
	s.state = to
	s.history = appendHistory(s.history, to)
	return nil
}

// Aggregate recomputes the stage's derived state from its member tasks under
// the given policy. The boolean reports whether the aggregate is settled
// (terminal). Recomputation is idempotent: it reads task states and mutates
// nothing.
//
// Rules: under fail-fast one failed task settles the stage immediately;
// otherwise the stage stays running until every task is terminal, then it is
// failed if any task failed, canceled if all tasks were canceled, and done
// otherwise (done and canceled tasks may mix).
func (s *Stage) Aggregate(policy Policy) (State, bool) {
	if len(s.tasks) == 0 {
		return StateDone, true
	}

	var done, failed, canceled, pending int
	for _, task := range s.tasks {
		switch task.State() {
		case StateDone:
			done++
		case StateFailed:
			failed++
		case StateCanceled:
			canceled++
		default:
			pending++
		}
	}

	if policy == PolicyFailFast && failed > 0 {
		return StateFailed, true
	}
	if pending > 0 {
		return StateRunning, false
	}
	switch {
	case failed > 0:
		return StateFailed, true
	case done == 0:
		return StateCanceled, true
	default:
		return StateDone, true
	}
}
