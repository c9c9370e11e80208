package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"flotilla/internal/backend"
	"flotilla/internal/broker"
	"flotilla/internal/ensemble"
	"flotilla/internal/logging"
)

// Start launches the submit and poll loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("taskmgr: already running")
	}
	parent, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(parent)
	m.cancel = cancel
	m.running = true
	m.lastErr = nil
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	g.Go(func() error { return m.submitLoop(runCtx) })
	g.Go(func() error { return m.pollLoop(runCtx) })

	go func() {
		err := g.Wait()
		cancel()
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			m.lastErr = err
		}
		m.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("task manager stopped on fault", logging.Error(err))
		}
		close(done)
	}()

	m.logger.Info("task manager started")
	return nil
}

// Stop signals both loops and waits for them to exit. Tasks already handed
// to the backend keep running; their outcomes are simply no longer polled.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) submitLoop(ctx context.Context) error {
	faults := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delivery, err := m.broker.Consume(ctx, broker.ChannelPending, broker.GroupTaskManager, m.consumeWait)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, broker.ErrNoMessage):
				faults = 0
				continue
			case errors.Is(err, broker.ErrClosed):
				return fmt.Errorf("pending channel: %w", err)
			default:
				faults++
				if faults >= maxChannelFaults {
					return fmt.Errorf("consume pending after %d attempts: %w", faults, err)
				}
				m.logger.Warn("consume pending failed",
					logging.Int("attempt", faults),
					logging.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(faultBackoff):
				}
				continue
			}
		}
		faults = 0

		if err := m.handlePending(ctx, delivery); err != nil {
			return err
		}
	}
}

// handlePending drives one pending delivery through submission. Task-level
// defects are acked and reported; only channel faults return an error.
func (m *Manager) handlePending(ctx context.Context, delivery *broker.Delivery) error {
	rec, err := ensemble.DecodeTaskRecord(delivery.Payload)
	if err != nil {
		m.logger.Warn("discarding undecodable pending message", logging.Error(err))
		m.ack(ctx, delivery)
		return nil
	}
	logger := m.logger.With(logging.String(logging.FieldTask, rec.UID))

	if m.markSeen(rec.UID) {
		logger.Debug("duplicate pending delivery acked")
		m.ack(ctx, delivery)
		return nil
	}

	task, err := ensemble.FromRecord(rec)
	if err != nil {
		logger.Warn("rejecting invalid task record", logging.Error(err))
		m.ack(ctx, delivery)
		return nil
	}
	if task.State() != ensemble.StateScheduled {
		logger.Warn("rejecting task outside scheduled state",
			logging.String(logging.FieldState, string(task.State())))
		m.ack(ctx, delivery)
		return nil
	}
	if err := task.Advance(ensemble.StateSubmitting); err != nil {
		logger.Warn("advance to submitting refused", logging.Error(err))
		m.ack(ctx, delivery)
		return nil
	}

	handle, err := m.backend.Submit(ctx, task)
	if err != nil {
		if !errors.Is(err, backend.ErrSubmission) {
			return fmt.Errorf("backend submit: %w", err)
		}
		logger.Warn("backend rejected submission", logging.Error(err))
		if err := task.Advance(ensemble.StateFailed); err != nil {
			logger.Warn("advance to failed refused", logging.Error(err))
		}
		if err := m.publishCompleted(ctx, task); err != nil {
			return err
		}
		m.ack(ctx, delivery)
		return nil
	}

	if err := task.Advance(ensemble.StateSubmitted); err != nil {
		logger.Warn("advance to submitted refused", logging.Error(err))
	}
	m.trackSubmission(handle, task)
	m.ack(ctx, delivery)
	logger.Info("task submitted", logging.String(logging.FieldState, string(task.State())))
	return nil
}

func (m *Manager) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := m.pollOnce(ctx); err != nil {
			return err
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) error {
	for handle, task := range m.trackedSubmissions() {
		out, err := m.backend.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, backend.ErrUnknownHandle) {
				m.logger.Warn("dropping unknown submission handle",
					logging.String(logging.FieldTask, task.UID()))
				m.forgetSubmission(handle)
				continue
			}
			m.logger.Warn("poll backend failed",
				logging.String(logging.FieldTask, task.UID()),
				logging.Error(err))
			continue
		}

		switch {
		case out.Status == backend.StatusRunning:
			m.observeRunning(task)
		case out.Status.Terminal():
			if err := m.finish(ctx, handle, task, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// observeRunning records the first running observation for a submission.
func (m *Manager) observeRunning(task *ensemble.Task) {
	if task.State() != ensemble.StateSubmitted {
		return
	}
	if err := task.Advance(ensemble.StateExecuting); err == nil {
		m.logger.Info("task executing", logging.String(logging.FieldTask, task.UID()))
	}
}

// finish applies a terminal backend outcome and reports it. The executing
// state is recorded first when the poll never observed the task running, so
// every completed task carries the full submission history.
func (m *Manager) finish(ctx context.Context, handle backend.Handle, task *ensemble.Task, out backend.Outcome) error {
	logger := m.logger.With(logging.String(logging.FieldTask, task.UID()))

	if task.State() == ensemble.StateSubmitted {
		if err := task.Advance(ensemble.StateExecuting); err != nil {
			logger.Warn("advance to executing refused", logging.Error(err))
		}
	}
	if out.ExitCode != nil {
		code := *out.ExitCode
		task.ExitCode = &code
	}
	if out.Path != "" {
		task.Path = out.Path
	}
	if err := task.Advance(stateForStatus(out.Status)); err != nil {
		logger.Warn("advance to terminal state refused", logging.Error(err))
	}

	if err := m.publishCompleted(ctx, task); err != nil {
		return err
	}
	m.forgetSubmission(handle)

	args := []any{logging.String(logging.FieldState, string(task.State()))}
	if task.ExitCode != nil {
		args = append(args, logging.Int("exit_code", *task.ExitCode))
	}
	if out.Message != "" {
		args = append(args, logging.String("detail", out.Message))
	}
	logger.Info("task finished", args...)
	return nil
}

func (m *Manager) publishCompleted(ctx context.Context, task *ensemble.Task) error {
	payload, err := ensemble.EncodeTask(task)
	if err != nil {
		return fmt.Errorf("encode completed task %s: %w", task.UID(), err)
	}
	if err := m.publisher.Publish(ctx, broker.ChannelCompleted, payload); err != nil {
		return fmt.Errorf("report completion for %s: %w", task.UID(), err)
	}
	return nil
}

func (m *Manager) ack(ctx context.Context, delivery *broker.Delivery) {
	if err := delivery.Ack(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("ack failed",
			logging.String(logging.FieldChannel, delivery.Channel),
			logging.Error(err))
	}
}

func stateForStatus(status backend.Status) ensemble.State {
	switch status {
	case backend.StatusSucceeded:
		return ensemble.StateDone
	case backend.StatusCanceled:
		return ensemble.StateCanceled
	default:
		return ensemble.StateFailed
	}
}
