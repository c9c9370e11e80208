package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldSession is the standardized structured logging key for workflow session identifiers.
	FieldSession = "session_id"
	// FieldPipeline is the standardized structured logging key for pipeline uids.
	FieldPipeline = "pipeline"
	// FieldStage is the standardized structured logging key for stage uids.
	FieldStage = "stage"
	// FieldTask is the standardized structured logging key for task uids.
	FieldTask = "task"
	// FieldState is the standardized structured logging key for lifecycle states.
	FieldState = "state"
	// FieldChannel is the standardized structured logging key for queue channel names.
	FieldChannel = "channel"
	// FieldGroup is the standardized structured logging key for consumer group names.
	FieldGroup = "group"
	// FieldConsumer is the standardized structured logging key for consumer identities.
	FieldConsumer = "consumer"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)
