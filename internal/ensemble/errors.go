package ensemble

import "fmt"

// ValidationError reports a task description that cannot be scheduled. The
// task never enters the queue; the processor cancels it and the owning stage
// completes without it.
type ValidationError struct {
	UID    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %s: invalid description: %s", e.UID, e.Reason)
}

// InvalidTransitionError reports a state change forbidden by the entity's
// transition table. It indicates a programming or ordering bug, never normal
// operation.
type InvalidTransitionError struct {
	Kind string
	UID  string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Kind, e.UID, e.From, e.To)
}
