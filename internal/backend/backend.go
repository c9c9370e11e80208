package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flotilla/internal/ensemble"
)

var (
	// ErrClosed is returned on operations against a closed backend.
	ErrClosed = errors.New("backend: closed")
	// ErrUnknownHandle is returned when polling a handle the backend never issued.
	ErrUnknownHandle = errors.New("backend: unknown handle")
	// ErrSubmission tags per-task submission rejections. Callers match it with
	// errors.Is to fail the task instead of the backend.
	ErrSubmission = errors.New("backend: submission rejected")
)

// SubmissionError reports why one task was rejected at submit time.
type SubmissionError struct {
	TaskUID string
	Reason  string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit task %s: %s", e.TaskUID, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return ErrSubmission }

// Handle identifies a submitted execution within a backend.
type Handle string

// Status describes an execution's progress as seen by the backend.
type Status string

const (
	// StatusQueued means the execution was admitted but waits for capacity.
	StatusQueued Status = "queued"
	// StatusRunning means the process is executing.
	StatusRunning Status = "running"
	// StatusSucceeded means the process exited zero and outputs were staged.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the process exited non-zero or staging failed.
	StatusFailed Status = "failed"
	// StatusCanceled means the execution was killed by backend shutdown.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Outcome is a backend's answer to a poll.
type Outcome struct {
	Status     Status
	ExitCode   *int
	Path       string
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Backend runs task descriptions and reports their outcomes.
type Backend interface {
	Submit(ctx context.Context, task *ensemble.Task) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Outcome, error)
	Ping(ctx context.Context) error
	Close() error
}
