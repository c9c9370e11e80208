// Package report renders the end-of-run view of a workflow: a summary of
// entity counts by state, a per-task table, and optionally the full state
// history of every entity. It is emitted after every run, aborted ones
// included, so partial progress stays visible.
package report
