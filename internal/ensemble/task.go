package ensemble

import (
	"fmt"
	"strings"
)

// Task is the atomic unit of execution: one command line plus resource
// requirements and data-staging lists. The uid, state, and history are
// controlled through the constructor and Advance; everything else is a
// user-provided description.
type Task struct {
	uid     string
	state   State
	history []HistoryEntry

	Name string

	PreExec    []string
	Executable string
	Arguments  []string
	PostExec   []string

	CPUReqs ResourceSpec
	GPUReqs ResourceSpec

	UploadInputData    []string
	CopyInputData      []string
	LinkInputData      []string
	CopyOutputData     []string
	DownloadOutputData []string

	// ExitCode is nil until the task reaches a terminal state reported by
	// the backend. Path is the task's sandbox, set once scheduled.
	ExitCode *int
	Path     string

	// Weak parent references: lookup keys into the processor's index, never
	// live pointers.
	ParentStage    string
	ParentPipeline string
}

// NewTask creates a task in the initial state with default CPU requirements.
func NewTask(uid, name string) *Task {
	return &Task{
		uid:     uid,
		Name:    name,
		state:   StateInitial,
		history: appendHistory(nil, StateInitial),
		CPUReqs: DefaultCPUSpec(),
	}
}

// UID returns the task's immutable identifier.
func (t *Task) UID() string { return t.uid }

// State returns the current lifecycle state.
func (t *Task) State() State { return t.state }

// Terminal reports whether the task can transition no further.
func (t *Task) Terminal() bool { return IsTerminal(t.state) }

// History returns a copy of the append-only state history.
func (t *Task) History() []HistoryEntry {
	cp := make([]HistoryEntry, len(t.history))
	copy(cp, t.history)
	return cp
}

// Validate reports whether the task is a schedulable description. Only
// initial tasks with a non-empty executable and sane resource requirements
// pass.
func (t *Task) Validate() error {
	if t.state != StateInitial {
		return &ValidationError{UID: t.uid, Reason: fmt.Sprintf("state is %s, not %s", t.state, StateInitial)}
	}
	if strings.TrimSpace(t.Executable) == "" {
		return &ValidationError{UID: t.uid, Reason: "executable is empty"}
	}
	if err := t.CPUReqs.Validate(); err != nil {
		return &ValidationError{UID: t.uid, Reason: fmt.Sprintf("cpu_reqs: %v", err)}
	}
	if t.CPUReqs.Processes < 1 {
		return &ValidationError{UID: t.uid, Reason: "cpu_reqs: processes must be >= 1"}
	}
	if err := t.GPUReqs.Validate(); err != nil {
		return &ValidationError{UID: t.uid, Reason: fmt.Sprintf("gpu_reqs: %v", err)}
	}
	return nil
}

// Advance moves the task to a new state and appends to its history in one
// mutation. Transitions not in the task table fail with
// InvalidTransitionError and leave the task untouched.
func (t *Task) Advance(to State) error {
	if !taskTransitions.allowed(t.state, to) {
		return &InvalidTransitionError{Kind: "task", UID: t.uid, From: t.state, To: to}
	}
	t.state = to
	t.history = appendHistory(t.history, to)
	return nil
}

// Merge adopts the execution-side outcome carried by a record for the same
// task: state, history, exit code, and sandbox path. Description fields stay
// as the local tree defines them.
func (t *Task) Merge(rec TaskRecord) error {
	if rec.UID != t.uid {
		return fmt.Errorf("merge record for %s into task %s", rec.UID, t.uid)
	}
	if _, ok := ParseState(string(rec.State)); !ok {
		return fmt.Errorf("task %s: merge with unknown state %q", t.uid, rec.State)
	}
	t.state = rec.State
	t.history = make([]HistoryEntry, len(rec.StateHistory))
	copy(t.history, rec.StateHistory)
	if rec.ExitCode != nil {
		code := *rec.ExitCode
		t.ExitCode = &code
	}
	if rec.Path != "" {
		t.Path = rec.Path
	}
	return nil
}
