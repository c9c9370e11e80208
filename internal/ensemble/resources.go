package ensemble

import "fmt"

// ProcessType enumerates how a task's processes are launched.
type ProcessType string

const (
	ProcessTypeNone ProcessType = ""
	ProcessTypeMPI  ProcessType = "MPI"
)

// ThreadType enumerates how threads inside each process are organized.
type ThreadType string

const (
	ThreadTypeNone   ThreadType = ""
	ThreadTypeOpenMP ThreadType = "OpenMP"
)

// ResourceSpec describes the processes and threads a task requires. The enum
// fields are validated once at construction time, not on every mutation.
type ResourceSpec struct {
	Processes         int         `json:"processes" toml:"processes"`
	ProcessType       ProcessType `json:"process_type" toml:"process_type"`
	ThreadsPerProcess int         `json:"threads_per_process" toml:"threads_per_process"`
	ThreadType        ThreadType  `json:"thread_type" toml:"thread_type"`
}

// DefaultCPUSpec is the single-process, single-thread requirement applied
// when a task does not specify one.
func DefaultCPUSpec() ResourceSpec {
	return ResourceSpec{Processes: 1, ThreadsPerProcess: 1}
}

// Validate checks structural sanity. Counts may be zero (a task needs no
// GPUs by default); negatives and unknown enum variants are rejected.
func (r ResourceSpec) Validate() error {
	if r.Processes < 0 {
		return fmt.Errorf("processes must be >= 0, got %d", r.Processes)
	}
	if r.ThreadsPerProcess < 0 {
		return fmt.Errorf("threads_per_process must be >= 0, got %d", r.ThreadsPerProcess)
	}
	switch r.ProcessType {
	case ProcessTypeNone, ProcessTypeMPI:
	default:
		return fmt.Errorf("unknown process_type %q", r.ProcessType)
	}
	switch r.ThreadType {
	case ThreadTypeNone, ThreadTypeOpenMP:
	default:
		return fmt.Errorf("unknown thread_type %q", r.ThreadType)
	}
	return nil
}
