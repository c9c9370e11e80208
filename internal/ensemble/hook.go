package ensemble

// PipelineControl is the mutation surface a stage hook may use. Handles are
// valid only for the duration of the hook call and operate inside the
// processor's workflow lock; holding one beyond the call is a bug.
type PipelineControl interface {
	// Suspend freezes the owning pipeline before it advances.
	Suspend() error
	// Resume unfreezes the owning pipeline.
	Resume() error
	// AppendStage injects a stage directly after the one that just
	// settled, ahead of previously queued stages.
	AppendStage(stage *Stage) error
}

// HookContext carries the settled stage, its pipeline, and the control
// handle into a StageHook.
type HookContext struct {
	Stage    *Stage
	Pipeline *Pipeline
	Control  PipelineControl
}

// StageHook runs exactly once when a stage settles, before the owning
// pipeline advances. Implementations must confine mutations to the provided
// control handle.
type StageHook interface {
	OnStageDone(hc HookContext) error
}

// HookFunc adapts a plain function to the StageHook interface.
type HookFunc func(hc HookContext) error

// OnStageDone calls f.
func (f HookFunc) OnStageDone(hc HookContext) error { return f(hc) }
