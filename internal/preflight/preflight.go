package preflight

import (
	"context"

	"flotilla/internal/backend"
	"flotilla/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Pinger is the liveness surface shared by the broker and the backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunAll executes every preflight check a run depends on. The channel and
// executor arguments are the already-opened broker and backend; a nil
// argument skips that check.
func RunAll(ctx context.Context, cfg *config.Config, channel, executor Pinger) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))

	shell := cfg.Backend.Shell
	if shell == "" {
		shell = backend.DefaultShell
	}
	results = append(results, CheckExecutable("Shell", shell))

	if channel != nil {
		results = append(results, CheckComponent(ctx, "Broker", channel))
	}
	if executor != nil {
		results = append(results, CheckComponent(ctx, "Backend", executor))
	}

	return results
}

// FirstFailure returns the first failing result, if any.
func FirstFailure(results []Result) (Result, bool) {
	for _, r := range results {
		if !r.Passed {
			return r, true
		}
	}
	return Result{}, false
}
