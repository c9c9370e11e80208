package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"flotilla/internal/ensemble"
	"flotilla/internal/logging"
)

// DefaultShell runs task command sequences when LocalOptions leaves Shell
// empty.
const DefaultShell = "/bin/sh"

const (
	stdoutName = "task.out"
	stderrName = "task.err"
)

// LocalOptions configures the in-process execution backend.
type LocalOptions struct {
	// WorkDir is the root under which sandboxes are created. Required.
	WorkDir string
	// Session groups one run's sandboxes under {workdir}/{session}.
	Session string
	// Slots caps the total cores in flight. Defaults to runtime.NumCPU().
	Slots int
	// Shell runs task command sequences. Defaults to /bin/sh.
	Shell string
	// Logger receives execution events.
	Logger *slog.Logger
}

// Local runs tasks as child processes on the host. Each task gets a sandbox
// directory {workdir}/{session}/{task uid}; its pre_exec lines, the
// executable with arguments, and its post_exec lines run sequentially in a
// single shell invocation, so pre_exec exports stay visible to the
// executable. Admission is bounded by a weighted core semaphore served in
// FIFO order.
type Local struct {
	workdir  string
	session  string
	shell    string
	capacity int64
	sem      *semaphore.Weighted
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	runs   map[Handle]*execution
	closed bool
	wg     sync.WaitGroup
}

type execution struct {
	mu       sync.Mutex
	status   Status
	exitCode *int
	message  string
	path     string
	started  time.Time
	finished time.Time
}

func (e *execution) markRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusRunning
	e.started = time.Now().UTC()
}

func (e *execution) finish(status Status, exitCode *int, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	e.exitCode = exitCode
	e.message = message
	e.finished = time.Now().UTC()
}

func (e *execution) outcome() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Outcome{
		Status:     e.status,
		Path:       e.path,
		Message:    e.message,
		StartedAt:  e.started,
		FinishedAt: e.finished,
	}
	if e.exitCode != nil {
		code := *e.exitCode
		out.ExitCode = &code
	}
	return out
}

// NewLocal builds a local backend rooted at opts.WorkDir. Processes started
// by the backend are killed when ctx is canceled; their outcomes then report
// canceled.
func NewLocal(ctx context.Context, opts LocalOptions) (*Local, error) {
	if strings.TrimSpace(opts.WorkDir) == "" {
		return nil, fmt.Errorf("backend: workdir is required")
	}
	slots := opts.Slots
	if slots <= 0 {
		slots = runtime.NumCPU()
	}
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell
	}
	session := opts.Session
	if session == "" {
		session = "local"
	}
	if err := os.MkdirAll(filepath.Join(opts.WorkDir, session), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &Local{
		workdir:  opts.WorkDir,
		session:  session,
		shell:    shell,
		capacity: int64(slots),
		sem:      semaphore.NewWeighted(int64(slots)),
		logger:   logging.NewComponentLogger(opts.Logger, "backend"),
		ctx:      runCtx,
		cancel:   cancel,
		runs:     make(map[Handle]*execution),
	}, nil
}

func (l *Local) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Submit admits a task for execution and returns its handle. Requests that
// can never fit the configured capacity are rejected with a SubmissionError.
func (l *Local) Submit(_ context.Context, task *ensemble.Task) (Handle, error) {
	if task == nil {
		return "", &SubmissionError{Reason: "nil task"}
	}
	rec := task.Record()
	cores := requestedCores(rec.CPUReqs)
	if rec.GPUReqs.Processes > 0 {
		return "", &SubmissionError{TaskUID: rec.UID, Reason: "no gpu capacity configured"}
	}
	if cores > l.capacity {
		return "", &SubmissionError{
			TaskUID: rec.UID,
			Reason:  fmt.Sprintf("requested %d cores exceeds capacity %d", cores, l.capacity),
		}
	}

	handle := Handle(rec.UID)
	e := &execution{
		status: StatusQueued,
		path:   filepath.Join(l.workdir, l.session, rec.UID),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", ErrClosed
	}
	if _, exists := l.runs[handle]; exists {
		l.mu.Unlock()
		return "", &SubmissionError{TaskUID: rec.UID, Reason: "already submitted"}
	}
	l.runs[handle] = e
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(rec, e, cores)

	l.logger.Debug("task admitted",
		logging.String(logging.FieldTask, rec.UID),
		logging.Int64("cores", cores))
	return handle, nil
}

// requestedCores maps a cpu request onto semaphore units.
func requestedCores(spec ensemble.ResourceSpec) int64 {
	processes := spec.Processes
	if processes < 1 {
		processes = 1
	}
	threads := spec.ThreadsPerProcess
	if threads < 1 {
		threads = 1
	}
	return int64(processes) * int64(threads)
}

func (l *Local) run(rec ensemble.TaskRecord, e *execution, cores int64) {
	defer l.wg.Done()

	if err := l.sem.Acquire(l.ctx, cores); err != nil {
		e.finish(StatusCanceled, nil, "backend shut down before start")
		return
	}
	defer l.sem.Release(cores)

	e.markRunning()

	if err := os.MkdirAll(e.path, 0o755); err != nil {
		e.finish(StatusFailed, nil, fmt.Sprintf("create sandbox: %v", err))
		return
	}
	if err := stageIn(rec, e.path); err != nil {
		e.finish(StatusFailed, nil, err.Error())
		return
	}

	code, runErr := l.execute(rec, e.path)
	if l.ctx.Err() != nil {
		e.finish(StatusCanceled, nil, "killed by shutdown")
		return
	}
	if runErr != nil {
		e.finish(StatusFailed, code, runErr.Error())
		l.logger.Debug("task process failed",
			logging.String(logging.FieldTask, rec.UID),
			logging.Error(runErr))
		return
	}
	if err := stageOut(rec, e.path, l.workdir); err != nil {
		e.finish(StatusFailed, code, err.Error())
		return
	}
	e.finish(StatusSucceeded, code, "")
}

func (l *Local) execute(rec ensemble.TaskRecord, sandbox string) (*int, error) {
	stdout, err := os.Create(filepath.Join(sandbox, stdoutName))
	if err != nil {
		return nil, fmt.Errorf("create stdout capture: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(sandbox, stderrName))
	if err != nil {
		return nil, fmt.Errorf("create stderr capture: %w", err)
	}
	defer stderr.Close()

	cmd := exec.CommandContext(l.ctx, l.shell, "-e", "-c", buildScript(rec)) //nolint:gosec
	cmd.Dir = sandbox
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if err == nil {
		code := 0
		return &code, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return &code, fmt.Errorf("command exited %d", code)
	}
	return nil, fmt.Errorf("run command: %w", err)
}

// buildScript lays out the command sequence one line per command. Arguments
// are joined verbatim so the manifest controls quoting and shell features.
func buildScript(rec ensemble.TaskRecord) string {
	lines := make([]string, 0, len(rec.PreExec)+1+len(rec.PostExec))
	lines = append(lines, rec.PreExec...)
	command := rec.Executable
	if len(rec.Arguments) > 0 {
		command += " " + strings.Join(rec.Arguments, " ")
	}
	lines = append(lines, command)
	lines = append(lines, rec.PostExec...)
	return strings.Join(lines, "\n")
}

// Poll answers with the execution's current status or terminal outcome.
func (l *Local) Poll(_ context.Context, handle Handle) (Outcome, error) {
	l.mu.Lock()
	e, ok := l.runs[handle]
	l.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return e.outcome(), nil
}

// Ping reports whether the backend can still run tasks.
func (l *Local) Ping(_ context.Context) error {
	if l.isClosed() {
		return ErrClosed
	}
	info, err := os.Stat(l.workdir)
	if err != nil {
		return fmt.Errorf("backend workdir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backend workdir %s is not a directory", l.workdir)
	}
	return nil
}

// Close stops accepting submissions, kills in-flight executions, and waits
// for their goroutines to finish. Killed executions report canceled.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return nil
}
