package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"flotilla/internal/backend"
	"flotilla/internal/broker"
	"flotilla/internal/config"
	"flotilla/internal/ensemble"
	"flotilla/internal/ids"
	"flotilla/internal/journal"
	"flotilla/internal/logging"
	"flotilla/internal/manifest"
	"flotilla/internal/preflight"
	"flotilla/internal/processor"
	"flotilla/internal/report"
	"flotilla/internal/taskmgr"
)

// runWorkflow wires one complete run: manifest, run lock, broker, backend,
// preflight, journal, task manager, and processor. The final report is
// written even when the run aborts so the operator sees the last consistent
// state of the tree.
func runWorkflow(cmd *cobra.Command, cmdCtx *commandContext, opts runOptions) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := cmdCtx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	policy, err := resolvePolicy(cfg, opts)
	if err != nil {
		return err
	}

	source := ids.NewSource()
	session := source.Session()
	sessionDir := filepath.Join(cfg.Paths.WorkDir, session)

	workflow, err := manifest.Load(opts.manifestPath, source)
	if err != nil {
		return err
	}

	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("flotilla-%s.log", session))
	logger, err := logging.New(logging.Options{
		Level:            cfg.Logging.Level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stderr", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	runLock := flock.New(filepath.Join(cfg.Paths.WorkDir, "flotilla.lock"))
	locked, err := runLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return errors.New("another flotilla run is already active for this work directory")
	}
	defer func() {
		if err := runLock.Unlock(); err != nil {
			logger.Warn("release run lock", logging.Error(err))
		}
	}()

	channel, err := openBroker(ctx, cfg, session, sessionDir)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer func() {
		if err := channel.Close(); err != nil {
			logger.Warn("close broker", logging.Error(err))
		}
	}()

	executor, err := backend.NewLocal(ctx, backend.LocalOptions{
		WorkDir: cfg.Paths.WorkDir,
		Session: session,
		Slots:   cfg.Backend.Slots,
		Shell:   cfg.Backend.Shell,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() {
		if err := executor.Close(); err != nil {
			logger.Warn("close backend", logging.Error(err))
		}
	}()

	checks := preflight.RunAll(ctx, cfg, channel, executor)
	if failure, failed := preflight.FirstFailure(checks); failed {
		_ = report.RenderChecks(cmd.ErrOrStderr(), checks)
		return fmt.Errorf("preflight failed: %s %s", failure.Name, failure.Detail)
	}
	if !opts.jsonOutput {
		if err := report.RenderChecks(cmd.OutOrStdout(), checks); err != nil {
			return err
		}
	}

	jnl, err := journal.Open(filepath.Join(sessionDir, "journal"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := jnl.Close(); err != nil {
			logger.Warn("close journal", logging.Error(err))
		}
	}()

	manager, err := taskmgr.New(taskmgr.Options{
		Broker:             channel,
		Backend:            executor,
		ConsumeWait:        cfg.Workflow.ConsumeWait(),
		PollInterval:       cfg.Workflow.PollInterval(),
		HeartbeatInterval:  cfg.Workflow.HeartbeatInterval(),
		HeartbeatStaleness: cfg.Workflow.HeartbeatTimeout(),
		PublishRetries:     cfg.Workflow.PublishRetries,
		PublishBackoff:     cfg.Workflow.PublishBackoff(),
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("create task manager: %w", err)
	}

	proc, err := processor.New(processor.Options{
		Broker:             channel,
		Pipelines:          workflow.Pipelines,
		Policy:             policy,
		ConsumeWait:        cfg.Workflow.ConsumeWait(),
		HeartbeatInterval:  cfg.Workflow.HeartbeatInterval(),
		HeartbeatStaleness: cfg.Workflow.HeartbeatTimeout(),
		PublishRetries:     cfg.Workflow.PublishRetries,
		PublishBackoff:     cfg.Workflow.PublishBackoff(),
		Recorder:           jnl,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start task manager: %w", err)
	}
	defer manager.Stop()

	if err := manager.StartHeartbeat(ctx); err != nil {
		logger.Warn("start task manager heartbeat", logging.Error(err))
	}
	defer manager.StopHeartbeat()
	if err := proc.StartHeartbeat(ctx); err != nil {
		logger.Warn("start processor heartbeat", logging.Error(err))
	}
	defer proc.StopHeartbeat()

	logger.Info("workflow started",
		logging.String(logging.FieldSession, session),
		logging.String("workflow", workflow.Name),
		logging.String("policy", string(policy)),
		logging.Int("pipelines", len(workflow.Pipelines)),
		logging.Int("tasks", workflow.TaskCount()))

	runErr := proc.Run(ctx)

	records := proc.Snapshot()
	if err := jnl.WriteSnapshot(records); err != nil {
		logger.Warn("write snapshot", logging.Error(err))
	}

	out := cmd.OutOrStdout()
	var reportErr error
	if opts.jsonOutput {
		reportErr = report.WriteJSON(out, records)
	} else {
		reportErr = report.Render(out, records, report.Options{ShowHistory: opts.showHistory})
	}

	if runErr != nil {
		return runErr
	}
	if reportErr != nil {
		return reportErr
	}
	return runOutcome(records)
}

// resolvePolicy applies the command line override to the configured stage
// settlement policy.
func resolvePolicy(cfg *config.Config, opts runOptions) (ensemble.Policy, error) {
	value := cfg.Workflow.Policy
	switch {
	case opts.failFast:
		value = string(ensemble.PolicyFailFast)
	case opts.bestEffort:
		value = string(ensemble.PolicyBestEffort)
	}
	policy, ok := ensemble.ParsePolicy(value)
	if !ok {
		return "", fmt.Errorf("workflow policy: unsupported value %q", value)
	}
	return policy, nil
}

// openBroker builds the configured broker. An unset sqlite path places the
// database inside the session directory so leftover messages from an earlier
// run can never reach this one; redis gets the same isolation from a
// session-scoped namespace.
func openBroker(ctx context.Context, cfg *config.Config, session, sessionDir string) (broker.Broker, error) {
	switch cfg.Broker.Driver {
	case "redis":
		return broker.OpenRedis(ctx, broker.RedisOptions{
			Addr:         cfg.Broker.Addr,
			Password:     cfg.Broker.Password,
			DB:           cfg.Broker.DB,
			Namespace:    fmt.Sprintf("%s.%s", cfg.Broker.Namespace, session),
			PollInterval: cfg.Broker.PollInterval(),
		})
	default:
		path := cfg.Broker.Path
		if path == "" {
			path = filepath.Join(sessionDir, "broker.db")
		}
		return broker.OpenSQLite(broker.SQLiteOptions{
			Path:         path,
			ClaimLease:   cfg.Broker.ClaimLease(),
			PollInterval: cfg.Broker.PollInterval(),
		})
	}
}

func runOutcome(records []ensemble.PipelineRecord) error {
	failed, canceled := 0, 0
	for _, rec := range records {
		switch rec.State {
		case ensemble.StateFailed:
			failed++
		case ensemble.StateCanceled:
			canceled++
		}
	}
	switch {
	case failed == 0 && canceled == 0:
		return nil
	case canceled == 0:
		return fmt.Errorf("workflow finished with %d failed pipelines", failed)
	case failed == 0:
		return fmt.Errorf("workflow finished with %d canceled pipelines", canceled)
	default:
		return fmt.Errorf("workflow finished with %d failed and %d canceled pipelines", failed, canceled)
	}
}
