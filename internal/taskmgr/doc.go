// Package taskmgr bridges the queue and the execution backend. The manager
// consumes scheduled tasks from the pending channel, drives each through
// submission, watches the backend for outcomes, and reports terminal task
// records on the completed channel. Submission rejections fail the task
// without stopping the manager; a channel that stays unreachable after
// bounded retries stops both loops and leaves the fault on Err.
package taskmgr
