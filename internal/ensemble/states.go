package ensemble

import (
	"strings"
	"time"
)

// State represents a lifecycle position for a task, stage, or pipeline.
type State string

const (
	StateInitial    State = "initial"
	StateScheduling State = "scheduling"
	StateScheduled  State = "scheduled"
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
	StateExecuting  State = "executing"
	StateRunning    State = "running"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
)

var allStates = []State{
	StateInitial,
	StateScheduling,
	StateScheduled,
	StateSubmitting,
	StateSubmitted,
	StateExecuting,
	StateRunning,
	StateDone,
	StateFailed,
	StateCanceled,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

var terminalStates = map[State]struct{}{
	StateDone:     {},
	StateFailed:   {},
	StateCanceled: {},
}

// taskTransitions is the reachability table for tasks. Terminal states have
// no entry: nothing leaves them. Every non-terminal state may be canceled.
var taskTransitions = transitions{
	StateInitial:    {StateScheduling, StateCanceled},
	StateScheduling: {StateScheduled, StateCanceled},
	StateScheduled:  {StateSubmitting, StateCanceled},
	StateSubmitting: {StateSubmitted, StateFailed, StateCanceled},
	StateSubmitted:  {StateExecuting, StateCanceled},
	StateExecuting:  {StateDone, StateFailed, StateCanceled},
}

// groupTransitions is the reachability table shared by stages and pipelines.
var groupTransitions = transitions{
	StateInitial: {StateRunning, StateCanceled},
	StateRunning: {StateDone, StateFailed, StateCanceled},
}

type transitions map[State][]State

func (t transitions) allowed(from, to State) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HistoryEntry is one step of an entity's append-only state history.
type HistoryEntry struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a state permits no further transition.
func IsTerminal(state State) bool {
	_, ok := terminalStates[state]
	return ok
}

// HistoryStates projects a history onto its state sequence.
func HistoryStates(entries []HistoryEntry) []State {
	states := make([]State, len(entries))
	for i, entry := range entries {
		states[i] = entry.State
	}
	return states
}

func appendHistory(history []HistoryEntry, state State) []HistoryEntry {
	return append(history, HistoryEntry{State: state, At: time.Now().UTC()})
}
