package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flotilla/internal/broker"
	"flotilla/internal/ensemble"
	"flotilla/internal/heartbeat"
	"flotilla/internal/logging"
)

// SenderID identifies the processor's pulses on the heartbeat channel.
const SenderID = "processor"

const (
	defaultConsumeWait = 500 * time.Millisecond

	maxChannelFaults = 5
	faultBackoff     = 200 * time.Millisecond
)

// Recorder receives every state transition the processor observes, in
// observation order. Implementations must tolerate being called under the
// processor's workflow lock.
type Recorder interface {
	RecordTransition(kind, uid string, from, to ensemble.State) error
}

// Options configures a Processor.
type Options struct {
	Broker broker.Broker

	// Pipelines is the initial workflow. More can be added with AddPipelines
	// before Run.
	Pipelines []*ensemble.Pipeline

	// Policy governs stage settlement. Defaults to fail-fast.
	Policy ensemble.Policy

	// ConsumeWait bounds each blocking read of the completed channel and so
	// paces the processing cycle.
	ConsumeWait time.Duration

	// HeartbeatInterval and HeartbeatStaleness configure the processor-side
	// pulse monitor. Zero values take the monitor defaults.
	HeartbeatInterval  time.Duration
	HeartbeatStaleness time.Duration

	// PublishRetries and PublishBackoff bound task scheduling publishes
	// before the channel is declared unavailable.
	PublishRetries int
	PublishBackoff time.Duration

	// Recorder persists observed transitions. Nil disables journaling.
	Recorder Recorder

	Logger *slog.Logger
}

// Processor owns the workflow tree for one run.
type Processor struct {
	broker      broker.Broker
	publisher   *broker.Publisher
	hb          *heartbeat.Monitor
	logger      *slog.Logger
	policy      ensemble.Policy
	consumeWait time.Duration
	recorder    Recorder

	mu        sync.Mutex
	pipelines []*ensemble.Pipeline
	byUID     map[string]*ensemble.Pipeline
	stages    map[string]*ensemble.Stage
	tasks     map[string]*ensemble.Task
}

// New validates opts and builds a Processor ready for Run.
func New(opts Options) (*Processor, error) {
	if opts.Broker == nil {
		return nil, errors.New("processor: broker is required")
	}
	if opts.Policy == "" {
		opts.Policy = ensemble.PolicyFailFast
	}
	if _, ok := ensemble.ParsePolicy(string(opts.Policy)); !ok {
		return nil, fmt.Errorf("processor: unknown stage policy %q", opts.Policy)
	}
	if opts.ConsumeWait <= 0 {
		opts.ConsumeWait = defaultConsumeWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "processor")

	hb, err := heartbeat.New(heartbeat.Options{
		Sender:    SenderID,
		Peer:      "taskmgr",
		Group:     broker.GroupProcessor,
		Interval:  opts.HeartbeatInterval,
		Staleness: opts.HeartbeatStaleness,
		Broker:    opts.Broker,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	p := &Processor{
		broker:      opts.Broker,
		publisher:   broker.NewPublisher(opts.Broker, opts.PublishRetries, opts.PublishBackoff, logger),
		hb:          hb,
		logger:      logger,
		policy:      opts.Policy,
		consumeWait: opts.ConsumeWait,
		recorder:    opts.Recorder,
		byUID:       make(map[string]*ensemble.Pipeline),
		stages:      make(map[string]*ensemble.Stage),
		tasks:       make(map[string]*ensemble.Task),
	}
	if err := p.AddPipelines(opts.Pipelines...); err != nil {
		return nil, err
	}
	return p, nil
}

// AddPipelines registers pipelines with the workflow. Uids must be unique
// across the whole tree.
func (p *Processor) AddPipelines(pipelines ...*ensemble.Pipeline) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pipe := range pipelines {
		if pipe == nil {
			return errors.New("processor: add nil pipeline")
		}
		if _, ok := p.byUID[pipe.UID()]; ok {
			return fmt.Errorf("processor: pipeline %s already registered", pipe.UID())
		}
		for _, stage := range pipe.Stages() {
			if err := p.indexStageLocked(stage); err != nil {
				return err
			}
		}
		p.byUID[pipe.UID()] = pipe
		p.pipelines = append(p.pipelines, pipe)
	}
	return nil
}

func (p *Processor) indexStageLocked(stage *ensemble.Stage) error {
	if _, ok := p.stages[stage.UID()]; ok {
		return fmt.Errorf("processor: stage %s already registered", stage.UID())
	}
	for _, task := range stage.Tasks() {
		if _, ok := p.tasks[task.UID()]; ok {
			return fmt.Errorf("processor: task %s already registered", task.UID())
		}
	}
	p.stages[stage.UID()] = stage
	for _, task := range stage.Tasks() {
		p.tasks[task.UID()] = task
	}
	return nil
}

// Suspend freezes stage advancement and scheduling for one pipeline. Tasks
// already handed to the backend run to completion.
func (p *Processor) Suspend(pipelineUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pipe, ok := p.byUID[pipelineUID]
	if !ok {
		return fmt.Errorf("processor: unknown pipeline %s", pipelineUID)
	}
	if err := pipe.Suspend(); err != nil {
		return err
	}
	p.logger.Info("pipeline suspended", logging.String(logging.FieldPipeline, pipelineUID))
	return nil
}

// Resume unfreezes a suspended pipeline. Advancement deferred during the
// suspension happens on the next processing cycle.
func (p *Processor) Resume(pipelineUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pipe, ok := p.byUID[pipelineUID]
	if !ok {
		return fmt.Errorf("processor: unknown pipeline %s", pipelineUID)
	}
	if err := pipe.Resume(); err != nil {
		return err
	}
	p.logger.Info("pipeline resumed", logging.String(logging.FieldPipeline, pipelineUID))
	return nil
}

// Cancel marks every non-terminal task, stage, and the pipeline itself
// canceled. Tasks already on the backend still report their outcome, which
// then merges as a duplicate no-op.
func (p *Processor) Cancel(pipelineUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pipe, ok := p.byUID[pipelineUID]
	if !ok {
		return fmt.Errorf("processor: unknown pipeline %s", pipelineUID)
	}
	if pipe.Terminal() {
		return nil
	}
	for _, stage := range pipe.Stages() {
		for _, task := range stage.Tasks() {
			if task.Terminal() {
				continue
			}
			p.advanceTaskLocked(task, ensemble.StateCanceled)
		}
		if !stage.Terminal() {
			p.advanceStageLocked(stage, ensemble.StateCanceled)
		}
	}
	p.advancePipelineLocked(pipe, ensemble.StateCanceled)
	p.logger.Info("pipeline canceled", logging.String(logging.FieldPipeline, pipelineUID))
	return nil
}

// Snapshot exports the current record tree.
func (p *Processor) Snapshot() []ensemble.PipelineRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	records := make([]ensemble.PipelineRecord, 0, len(p.pipelines))
	for _, pipe := range p.pipelines {
		records = append(records, pipe.Record())
	}
	return records
}

// StartHeartbeat begins the processor-side pulse exchange.
func (p *Processor) StartHeartbeat(ctx context.Context) error {
	return p.hb.Start(ctx)
}

// StopHeartbeat halts the pulse exchange.
func (p *Processor) StopHeartbeat() {
	p.hb.Stop()
}

// CheckHeartbeat reports whether the task manager's pulses are current.
func (p *Processor) CheckHeartbeat() bool {
	return p.hb.Check()
}

// record hands one transition to the recorder, if any.
func (p *Processor) record(kind, uid string, from, to ensemble.State) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordTransition(kind, uid, from, to); err != nil {
		p.logger.Warn("record transition failed",
			logging.String("kind", kind),
			logging.String("uid", uid),
			logging.Error(err))
	}
}

// advanceTaskLocked, advanceStageLocked, and advancePipelineLocked wrap
// Advance with transition recording. Refusals indicate ordering bugs and are
// logged, never swallowed silently.
func (p *Processor) advanceTaskLocked(task *ensemble.Task, to ensemble.State) {
	from := task.State()
	if err := task.Advance(to); err != nil {
		p.logger.Error("task transition refused",
			logging.String(logging.FieldTask, task.UID()),
			logging.Error(err))
		return
	}
	p.record("task", task.UID(), from, to)
}

func (p *Processor) advanceStageLocked(stage *ensemble.Stage, to ensemble.State) {
	from := stage.State()
	if err := stage.Advance(to); err != nil {
		p.logger.Error("stage transition refused",
			logging.String(logging.FieldStage, stage.UID()),
			logging.Error(err))
		return
	}
	p.record("stage", stage.UID(), from, to)
}

func (p *Processor) advancePipelineLocked(pipe *ensemble.Pipeline, to ensemble.State) {
	from := pipe.State()
	if err := pipe.Advance(to); err != nil {
		p.logger.Error("pipeline transition refused",
			logging.String(logging.FieldPipeline, pipe.UID()),
			logging.Error(err))
		return
	}
	p.record("pipeline", pipe.UID(), from, to)
}

// pipelineControl is the hook-facing mutation surface. It runs with the
// workflow lock already held, so it goes straight at the tree.
type pipelineControl struct {
	processor *Processor
	pipeline  *ensemble.Pipeline
}

func (c *pipelineControl) Suspend() error {
	if err := c.pipeline.Suspend(); err != nil {
		return err
	}
	c.processor.logger.Info("pipeline suspended by hook",
		logging.String(logging.FieldPipeline, c.pipeline.UID()))
	return nil
}

func (c *pipelineControl) Resume() error {
	if err := c.pipeline.Resume(); err != nil {
		return err
	}
	c.processor.logger.Info("pipeline resumed by hook",
		logging.String(logging.FieldPipeline, c.pipeline.UID()))
	return nil
}

func (c *pipelineControl) AppendStage(stage *ensemble.Stage) error {
	if stage == nil {
		return errors.New("processor: append nil stage")
	}
	if err := c.processor.indexStageLocked(stage); err != nil {
		return err
	}
	if err := c.pipeline.InsertAfterActive(stage); err != nil {
		delete(c.processor.stages, stage.UID())
		for _, task := range stage.Tasks() {
			delete(c.processor.tasks, task.UID())
		}
		return err
	}
	c.processor.logger.Info("stage injected after active",
		logging.String(logging.FieldPipeline, c.pipeline.UID()),
		logging.String(logging.FieldStage, stage.UID()))
	return nil
}
