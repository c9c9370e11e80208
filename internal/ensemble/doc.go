// Package ensemble defines the workflow data model: pipelines, stages, and
// tasks, their state machines, and their lossless record forms.
//
// Entities are pure data plus invariants and perform no I/O. Every state
// change goes through Advance, which validates the transition against the
// entity's table and appends to the append-only state history in the same
// mutation. Stage state is derived from member tasks and applied under the
// caller's lock; the processor owns the only exclusion domain that mutates a
// workflow tree.
//
// Records (TaskRecord, StageRecord, PipelineRecord) are the serialization
// boundary: queue payloads and journal snapshots round-trip every field.
package ensemble
