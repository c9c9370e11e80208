// Package manifest loads TOML workflow descriptions and realizes them as
// ensemble entities. Structural problems (a pipeline without stages, a stage
// without tasks, malformed resource requirements) are rejected at load time;
// per-task description checks such as an empty executable are left to the
// processor, which cancels unschedulable tasks instead of refusing the whole
// workflow.
package manifest
