// Package ids issues the unique identifiers used across a single run.
//
// A Source carries one monotonic counter per entity kind plus a session
// identity derived from a UUID. Counters are advanced atomically so entities
// can be constructed from concurrent goroutines without racing on shared
// global state. Identifiers are unique within a session; the session id
// scopes on-disk artifacts and channel storage so concurrent runs never
// collide.
package ids

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Source generates session-scoped entity identifiers.
type Source struct {
	session string

	pipelines atomic.Uint64
	stages    atomic.Uint64
	tasks     atomic.Uint64
}

// NewSource creates a Source with a fresh session identity.
func NewSource() *Source {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return &Source{session: "run." + raw[:12]}
}

// NewSourceWithSession creates a Source bound to an explicit session id,
// used when reconstructing entities from a persisted snapshot.
func NewSourceWithSession(session string) *Source {
	return &Source{session: session}
}

// Session returns the session identity shared by all ids from this Source.
func (s *Source) Session() string {
	return s.session
}

// Pipeline returns the next pipeline id, e.g. "pipe.0000".
func (s *Source) Pipeline() string {
	return fmt.Sprintf("pipe.%04d", s.pipelines.Add(1)-1)
}

// Stage returns the next stage id, e.g. "stage.0000".
func (s *Source) Stage() string {
	return fmt.Sprintf("stage.%04d", s.stages.Add(1)-1)
}

// Task returns the next task id, e.g. "task.000000".
func (s *Source) Task() string {
	return fmt.Sprintf("task.%06d", s.tasks.Add(1)-1)
}
