package taskmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"flotilla/internal/backend"
	"flotilla/internal/broker"
	"flotilla/internal/ensemble"
	"flotilla/internal/heartbeat"
	"flotilla/internal/logging"
)

// SenderID identifies the manager's pulses on the heartbeat channel.
const SenderID = "taskmgr"

const (
	defaultConsumeWait  = 500 * time.Millisecond
	defaultPollInterval = 100 * time.Millisecond

	// maxChannelFaults bounds consecutive consume failures before the
	// channel is declared dead and the manager stops.
	maxChannelFaults = 5
	faultBackoff     = 200 * time.Millisecond
)

// Options configures a Manager.
type Options struct {
	Broker  broker.Broker
	Backend backend.Backend

	// ConsumeWait bounds each blocking read of the pending channel.
	ConsumeWait time.Duration
	// PollInterval paces backend outcome polling.
	PollInterval time.Duration

	// HeartbeatInterval and HeartbeatStaleness configure the manager-side
	// pulse monitor. Zero values take the monitor defaults.
	HeartbeatInterval  time.Duration
	HeartbeatStaleness time.Duration

	// PublishRetries and PublishBackoff bound completion reporting before
	// the channel is declared unavailable.
	PublishRetries int
	PublishBackoff time.Duration

	Logger *slog.Logger
}

// Manager runs the submit and poll loops for one workflow run.
type Manager struct {
	broker       broker.Broker
	publisher    *broker.Publisher
	backend      backend.Backend
	hb           *heartbeat.Monitor
	logger       *slog.Logger
	consumeWait  time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastErr  error
	seen     map[string]struct{}
	inflight map[backend.Handle]*ensemble.Task
}

// New validates opts and builds a stopped Manager.
func New(opts Options) (*Manager, error) {
	if opts.Broker == nil {
		return nil, errors.New("taskmgr: broker is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("taskmgr: backend is required")
	}
	if opts.ConsumeWait <= 0 {
		opts.ConsumeWait = defaultConsumeWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "taskmgr")

	hb, err := heartbeat.New(heartbeat.Options{
		Sender:    SenderID,
		Peer:      "processor",
		Group:     broker.GroupTaskManager,
		Interval:  opts.HeartbeatInterval,
		Staleness: opts.HeartbeatStaleness,
		Broker:    opts.Broker,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		broker:       opts.Broker,
		publisher:    broker.NewPublisher(opts.Broker, opts.PublishRetries, opts.PublishBackoff, logger),
		backend:      opts.Backend,
		hb:           hb,
		logger:       logger,
		consumeWait:  opts.ConsumeWait,
		pollInterval: opts.PollInterval,
		seen:         make(map[string]struct{}),
		inflight:     make(map[backend.Handle]*ensemble.Task),
	}, nil
}

// CheckAlive reports whether the submit and poll loops are running.
func (m *Manager) CheckAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Err returns the fault that stopped the loops, or nil after a clean stop.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// StartHeartbeat begins the manager-side pulse exchange.
func (m *Manager) StartHeartbeat(ctx context.Context) error {
	return m.hb.Start(ctx)
}

// StopHeartbeat halts the pulse exchange.
func (m *Manager) StopHeartbeat() {
	m.hb.Stop()
}

// CheckHeartbeat reports whether the processor's pulses are current.
func (m *Manager) CheckHeartbeat() bool {
	return m.hb.Check()
}

func (m *Manager) setFault(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) trackSubmission(handle backend.Handle, task *ensemble.Task) {
	m.mu.Lock()
	m.inflight[handle] = task
	m.mu.Unlock()
}

func (m *Manager) forgetSubmission(handle backend.Handle) {
	m.mu.Lock()
	delete(m.inflight, handle)
	m.mu.Unlock()
}

func (m *Manager) trackedSubmissions() map[backend.Handle]*ensemble.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked := make(map[backend.Handle]*ensemble.Task, len(m.inflight))
	for handle, task := range m.inflight {
		tracked[handle] = task
	}
	return tracked
}

// markSeen records a pending uid, reporting whether it was already known.
func (m *Manager) markSeen(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[uid]; ok {
		return true
	}
	m.seen[uid] = struct{}{}
	return false
}
