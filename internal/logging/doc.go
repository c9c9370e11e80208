// Package logging assembles structured slog loggers and formatting helpers
// used across flotilla components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes the standardized attribute keys so orchestration code
// tags log lines with session, pipeline, stage, and task identifiers the same
// way everywhere. The package also provides a no-op logger for tests and
// wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// data with the same shape as the rest of the system.
package logging
