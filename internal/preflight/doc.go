// Package preflight provides readiness checks for the filesystem paths and
// components a run depends on.
//
// The run command calls RunAll after opening the broker and backend but
// before scheduling any task. A failing check aborts the run up front so a
// doomed workflow never reaches the queue. Individual checks are exported so
// other commands can probe one concern at a time.
package preflight
