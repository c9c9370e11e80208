package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flotilla/internal/broker"
	"flotilla/internal/ensemble"
	"flotilla/internal/logging"
)

// Run drives the workflow until every pipeline is terminal. It returns the
// heartbeat fault when the task manager goes silent and the context error on
// cancellation; in both cases the tree keeps its last consistent state for
// the final report.
func (p *Processor) Run(ctx context.Context) error {
	faults := 0
	for {
		p.mu.Lock()
		err := p.cycleLocked(ctx)
		settled := err == nil && p.settledLocked()
		p.mu.Unlock()
		if err != nil {
			return err
		}
		if settled {
			p.logger.Info("workflow settled")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.hb.Expired():
			return p.hb.Unresponsive()
		default:
		}

		delivery, err := p.broker.Consume(ctx, broker.ChannelCompleted, broker.GroupProcessor, p.consumeWait)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, broker.ErrNoMessage):
				faults = 0
				continue
			case errors.Is(err, broker.ErrClosed):
				return fmt.Errorf("completed channel: %w", err)
			default:
				faults++
				if faults >= maxChannelFaults {
					return fmt.Errorf("consume completed after %d attempts: %w", faults, err)
				}
				p.logger.Warn("consume completed failed",
					logging.Int("attempt", faults),
					logging.Error(err))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(faultBackoff):
				}
				continue
			}
		}
		faults = 0

		if err := p.handleCompleted(ctx, delivery); err != nil {
			return err
		}
	}
}

// cycleLocked is one pass of ready-set computation: start pipelines, settle
// deferred advancement left behind by a lifted suspension, and schedule
// initial tasks of every active stage.
func (p *Processor) cycleLocked(ctx context.Context) error {
	for _, pipe := range p.pipelines {
		if pipe.Terminal() || pipe.Suspended() {
			continue
		}
		if pipe.State() == ensemble.StateInitial {
			p.advancePipelineLocked(pipe, ensemble.StateRunning)
		}
		stage := pipe.ActiveStage()
		if stage == nil {
			p.finishPipelineLocked(pipe)
			continue
		}
		if stage.Terminal() {
			if err := p.progressLocked(ctx, pipe); err != nil {
				return err
			}
			continue
		}
		if err := p.scheduleStageLocked(ctx, pipe, stage); err != nil {
			return err
		}
	}
	return nil
}

// scheduleStageLocked publishes every still-initial task of the stage.
// Descriptions that fail validation are canceled on the spot and never enter
// the queue. A stage whose aggregate settles without any queue round trip
// (empty, or every task canceled at validation) settles here.
func (p *Processor) scheduleStageLocked(ctx context.Context, pipe *ensemble.Pipeline, stage *ensemble.Stage) error {
	if stage.State() == ensemble.StateInitial {
		p.advanceStageLocked(stage, ensemble.StateRunning)
	}
	for _, task := range stage.Tasks() {
		if task.State() != ensemble.StateInitial {
			continue
		}
		if err := task.Validate(); err != nil {
			p.logger.Warn("task failed validation",
				logging.String(logging.FieldTask, task.UID()),
				logging.Error(err))
			p.advanceTaskLocked(task, ensemble.StateCanceled)
			continue
		}
		if err := p.publishTaskLocked(ctx, task); err != nil {
			return err
		}
	}
	if state, settled := stage.Aggregate(p.policy); settled && !stage.Terminal() {
		return p.settleStageLocked(ctx, pipe, stage, state)
	}
	return nil
}

func (p *Processor) publishTaskLocked(ctx context.Context, task *ensemble.Task) error {
	p.advanceTaskLocked(task, ensemble.StateScheduling)
	p.advanceTaskLocked(task, ensemble.StateScheduled)
	payload, err := ensemble.EncodeTask(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.UID(), err)
	}
	if err := p.publisher.Publish(ctx, broker.ChannelPending, payload); err != nil {
		return fmt.Errorf("schedule task %s: %w", task.UID(), err)
	}
	p.logger.Info("task scheduled", logging.String(logging.FieldTask, task.UID()))
	return nil
}

func (p *Processor) handleCompleted(ctx context.Context, delivery *broker.Delivery) error {
	rec, err := ensemble.DecodeTaskRecord(delivery.Payload)
	if err != nil {
		p.logger.Warn("discarding undecodable completion", logging.Error(err))
		p.ack(ctx, delivery)
		return nil
	}

	p.mu.Lock()
	err = p.mergeCompletionLocked(ctx, rec)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.ack(ctx, delivery)
	return nil
}

// mergeCompletionLocked folds one terminal task record into the tree and
// settles the owning stage when the aggregate turns terminal. A record for a
// task that is already terminal is a duplicate delivery and merges as a
// no-op.
func (p *Processor) mergeCompletionLocked(ctx context.Context, rec ensemble.TaskRecord) error {
	task, ok := p.tasks[rec.UID]
	if !ok {
		p.logger.Warn("completion for unknown task",
			logging.String(logging.FieldTask, rec.UID))
		return nil
	}
	if task.Terminal() {
		p.logger.Debug("duplicate completion ignored",
			logging.String(logging.FieldTask, rec.UID))
		return nil
	}

	before := len(task.History())
	if err := task.Merge(rec); err != nil {
		p.logger.Warn("merge completion failed",
			logging.String(logging.FieldTask, rec.UID),
			logging.Error(err))
		return nil
	}
	after := task.History()
	for i := before; i < len(after); i++ {
		p.record("task", task.UID(), after[i-1].State, after[i].State)
	}
	p.logger.Info("task completed",
		logging.String(logging.FieldTask, task.UID()),
		logging.String(logging.FieldState, string(task.State())))

	stage, ok := p.stages[task.ParentStage]
	if !ok || stage.Terminal() {
		return nil
	}
	pipe, ok := p.byUID[stage.ParentPipeline]
	if !ok {
		return nil
	}
	if state, settled := stage.Aggregate(p.policy); settled {
		return p.settleStageLocked(ctx, pipe, stage, state)
	}
	return nil
}

// settleStageLocked records the stage's terminal state, runs its hook, and
// moves the pipeline forward unless a suspension defers that.
func (p *Processor) settleStageLocked(ctx context.Context, pipe *ensemble.Pipeline, stage *ensemble.Stage, state ensemble.State) error {
	if stage.State() == ensemble.StateInitial {
		p.advanceStageLocked(stage, ensemble.StateRunning)
	}
	p.advanceStageLocked(stage, state)
	p.logger.Info("stage settled",
		logging.String(logging.FieldStage, stage.UID()),
		logging.String(logging.FieldState, string(state)))

	if hook := stage.PostExec; hook != nil {
		hc := ensemble.HookContext{
			Stage:    stage,
			Pipeline: pipe,
			Control:  &pipelineControl{processor: p, pipeline: pipe},
		}
		if err := hook.OnStageDone(hc); err != nil {
			p.logger.Error("stage hook failed",
				logging.String(logging.FieldStage, stage.UID()),
				logging.Error(err))
		}
	}

	if pipe.Suspended() {
		p.logger.Info("pipeline advancement deferred while suspended",
			logging.String(logging.FieldPipeline, pipe.UID()))
		return nil
	}
	return p.progressLocked(ctx, pipe)
}

// progressLocked moves a pipeline past its settled active stage: fail-fast
// failure and cancellation stop it, anything else advances to the next stage
// or finishes the pipeline.
func (p *Processor) progressLocked(ctx context.Context, pipe *ensemble.Pipeline) error {
	if pipe.Terminal() {
		return nil
	}
	stage := pipe.ActiveStage()
	if stage == nil {
		p.finishPipelineLocked(pipe)
		return nil
	}
	if !stage.Terminal() {
		return nil
	}

	switch {
	case stage.State() == ensemble.StateFailed && p.policy == ensemble.PolicyFailFast:
		p.advancePipelineLocked(pipe, ensemble.StateFailed)
		p.logger.Warn("pipeline failed",
			logging.String(logging.FieldPipeline, pipe.UID()),
			logging.String(logging.FieldStage, stage.UID()))
		return nil
	case stage.State() == ensemble.StateCanceled:
		p.advancePipelineLocked(pipe, ensemble.StateCanceled)
		return nil
	}

	if pipe.AdvanceStage() {
		return p.scheduleStageLocked(ctx, pipe, pipe.ActiveStage())
	}
	p.finishPipelineLocked(pipe)
	return nil
}

// finishPipelineLocked settles a pipeline that has no stage left to run.
// Under best-effort a failed stage surfaces here, once everything ran.
func (p *Processor) finishPipelineLocked(pipe *ensemble.Pipeline) {
	if pipe.Terminal() {
		return
	}
	if pipe.State() == ensemble.StateInitial {
		p.advancePipelineLocked(pipe, ensemble.StateRunning)
	}
	final := ensemble.StateDone
	for _, stage := range pipe.Stages() {
		if stage.State() == ensemble.StateFailed {
			final = ensemble.StateFailed
			break
		}
	}
	p.advancePipelineLocked(pipe, final)
	p.logger.Info("pipeline finished",
		logging.String(logging.FieldPipeline, pipe.UID()),
		logging.String(logging.FieldState, string(final)))
}

func (p *Processor) settledLocked() bool {
	for _, pipe := range p.pipelines {
		if !pipe.Terminal() {
			return false
		}
	}
	return true
}

func (p *Processor) ack(ctx context.Context, delivery *broker.Delivery) {
	if err := delivery.Ack(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("ack failed",
			logging.String(logging.FieldChannel, delivery.Channel),
			logging.Error(err))
	}
}
