// Package backend defines the execution contract the task manager drives and
// provides the local process implementation.
//
// A backend accepts validated task descriptions, runs them, and answers polls
// about their progress. Submission is asynchronous: Submit returns a Handle
// once the task is admitted, and Poll reports queued, running, or a terminal
// outcome with exit code and sandbox path. Submission rejections are typed
// SubmissionError values so callers can fail the one task without treating
// the backend as broken.
package backend
