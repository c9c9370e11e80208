// Package processor drives the workflow tree to completion. It schedules
// ready tasks onto the pending channel, merges terminal outcomes from the
// completed channel, settles stages under their failure policy, evaluates
// stage hooks, and advances pipelines one stage at a time. The whole tree is
// mutated under a single mutex so scheduling, merging, hook evaluation, and
// suspend/resume/cancel never interleave.
package processor
