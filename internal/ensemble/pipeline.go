package ensemble

import "fmt"

// Pipeline is an ordered sequence of stages executed one at a time. The
// suspended flag is orthogonal to lifecycle state: it freezes stage
// advancement and new scheduling without touching task state machines
// already in flight.
type Pipeline struct {
	uid     string
	state   State
	history []HistoryEntry

	Name string

	stages []*Stage
	active int

	suspended bool
}

// NewPipeline creates an empty pipeline in the initial state.
func NewPipeline(uid, name string) *Pipeline {
	return &Pipeline{
		uid:     uid,
		Name:    name,
		state:   StateInitial,
		history: appendHistory(nil, StateInitial),
	}
}

// UID returns the pipeline's immutable identifier.
func (p *Pipeline) UID() string { return p.uid }

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return p.state }

// Terminal reports whether the pipeline can transition no further.
func (p *Pipeline) Terminal() bool { return IsTerminal(p.state) }

// History returns a copy of the append-only state history.
func (p *Pipeline) History() []HistoryEntry {
	cp := make([]HistoryEntry, len(p.history))
	copy(cp, p.history)
	return cp
}

// AddStages appends stages to the pipeline and takes ownership, stamping
// parent references onto the stages and their tasks.
func (p *Pipeline) AddStages(stages ...*Stage) error {
	for _, stage := range stages {
		if stage == nil {
			return fmt.Errorf("pipeline %s: add nil stage", p.uid)
		}
		p.adopt(stage)
		p.stages = append(p.stages, stage)
	}
	return nil
}

// InsertAfterActive places stages directly after the active stage, ahead of
// any previously queued later stages. Used by stage hooks to inject work
// before the pipeline advances.
func (p *Pipeline) InsertAfterActive(stages ...*Stage) error {
	if p.Terminal() {
		return fmt.Errorf("pipeline %s: insert stage after terminal state %s", p.uid, p.state)
	}
	for _, stage := range stages {
		if stage == nil {
			return fmt.Errorf("pipeline %s: insert nil stage", p.uid)
		}
		p.adopt(stage)
	}
	at := p.active + 1
	if at > len(p.stages) {
		at = len(p.stages)
	}
	tail := make([]*Stage, len(p.stages[at:]))
	copy(tail, p.stages[at:])
	p.stages = append(append(p.stages[:at], stages...), tail...)
	return nil
}

func (p *Pipeline) adopt(stage *Stage) {
	stage.ParentPipeline = p.uid
	for _, task := range stage.tasks {
		task.ParentPipeline = p.uid
	}
}

// Stages returns the ordered stages. The slice is a copy; the stages are not.
func (p *Pipeline) Stages() []*Stage {
	cp := make([]*Stage, len(p.stages))
	copy(cp, p.stages)
	return cp
}

// ActiveIndex returns the index of the currently-active stage.
func (p *Pipeline) ActiveIndex() int { return p.active }

// ActiveStage returns the currently-active stage, or nil when the pipeline
// has advanced past its last stage.
func (p *Pipeline) ActiveStage() *Stage {
	if p.active < 0 || p.active >= len(p.stages) {
		return nil
	}
	return p.stages[p.active]
}

// AdvanceStage moves the active index past the current stage and reports
// whether another stage remains.
func (p *Pipeline) AdvanceStage() bool {
	p.active++
	return p.active < len(p.stages)
}

// Suspend freezes stage advancement. Suspending an already-suspended or
// terminal pipeline is an error.
func (p *Pipeline) Suspend() error {
	if p.Terminal() {
		return fmt.Errorf("pipeline %s: suspend in terminal state %s", p.uid, p.state)
	}
	if p.suspended {
		return fmt.Errorf("pipeline %s: already suspended", p.uid)
	}
	p.suspended = true
	return nil
}

// Resume clears the suspended flag. Resuming a pipeline that is not
// suspended is an error.
func (p *Pipeline) Resume() error {
	if !p.suspended {
		return fmt.Errorf("pipeline %s: not suspended", p.uid)
	}
	p.suspended = false
	return nil
}

// Suspended reports whether stage advancement is currently frozen.
func (p *Pipeline) Suspended() bool { return p.suspended }

// Advance moves the pipeline to a new state and appends to its history.
func (p *Pipeline) Advance(to State) error {
	if !groupTransitions.allowed(p.state, to) {
		return &InvalidTransitionError{Kind: "pipeline", UID: p.uid, From: p.state, To: to}
	}
	p.state = to
	p.history = appendHistory(p.history, to)
	return nil
}
