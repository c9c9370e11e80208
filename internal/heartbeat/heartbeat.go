package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flotilla/internal/broker"
	"flotilla/internal/logging"
)

const defaultInterval = 10 * time.Second

// Pulse is the message both sides publish on the heartbeat channel.
type Pulse struct {
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerUnresponsiveError reports that the peer stopped pulsing for longer
// than the staleness window. Owners treat it as fatal to the run.
type PeerUnresponsiveError struct {
	Peer     string
	LastSeen time.Time
	Window   time.Duration
}

func (e *PeerUnresponsiveError) Error() string {
	return fmt.Sprintf("peer %s unresponsive: last pulse %s ago exceeds window %s",
		e.Peer, time.Since(e.LastSeen).Round(time.Millisecond), e.Window)
}

// Options configures a Monitor.
type Options struct {
	// Sender identifies this side's pulses so the receiver can discard its
	// own traffic.
	Sender string
	// Peer names the other side, for logs and the unresponsive error.
	Peer string
	// Group is the consumer group this side reads the heartbeat channel
	// through.
	Group string
	// Interval is the pulse period. Defaults to 10s.
	Interval time.Duration
	// Staleness is how long the peer may stay silent before it is declared
	// dead. Defaults to three intervals.
	Staleness time.Duration

	Broker broker.Broker
	Logger *slog.Logger
}

// Monitor runs the pulse sender and receiver for one side of the exchange.
type Monitor struct {
	broker    broker.Broker
	publisher *broker.Publisher
	logger    *slog.Logger
	sender    string
	peer      string
	group     string
	interval  time.Duration
	staleness time.Duration

	mu       sync.Mutex
	running  bool
	tripped  bool
	lastPeer time.Time
	cancel   context.CancelFunc
	expired  chan struct{}
	wg       sync.WaitGroup
}

// New validates opts and builds a stopped Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Broker == nil {
		return nil, errors.New("heartbeat: broker is required")
	}
	if opts.Sender == "" {
		return nil, errors.New("heartbeat: sender id is required")
	}
	if opts.Group == "" {
		return nil, errors.New("heartbeat: consumer group is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 3 * opts.Interval
	}
	if opts.Peer == "" {
		opts.Peer = "peer"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "heartbeat").With(
		logging.String(logging.FieldGroup, opts.Group))
	return &Monitor{
		broker:    opts.Broker,
		publisher: broker.NewPublisher(opts.Broker, 0, 0, logger),
		logger:    logger,
		sender:    opts.Sender,
		peer:      opts.Peer,
		group:     opts.Group,
		interval:  opts.Interval,
		staleness: opts.Staleness,
	}, nil
}

// Start launches the sender and receiver goroutines. The peer timestamp is
// seeded with the start instant, so a peer that never pulses trips after
// one staleness window.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("heartbeat: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.tripped = false
	m.lastPeer = time.Now()
	m.expired = make(chan struct{})
	m.wg.Add(2)
	m.mu.Unlock()

	go m.sendLoop(runCtx)
	go m.receiveLoop(runCtx)
	return nil
}

// Stop halts both goroutines and waits for them to exit. Check reports
// false afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Check reports whether the peer's most recent pulse arrived within the
// staleness window. A stopped or tripped monitor reports false.
func (m *Monitor) Check() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.tripped {
		return false
	}
	return time.Since(m.lastPeer) <= m.staleness
}

// Expired is closed once when the peer is declared dead. It stays open
// across Stop; only staleness closes it.
func (m *Monitor) Expired() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired
}

// Unresponsive builds the error owners surface when the peer is declared
// dead.
func (m *Monitor) Unresponsive() *PeerUnresponsiveError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &PeerUnresponsiveError{Peer: m.peer, LastSeen: m.lastPeer, Window: m.staleness}
}

func (m *Monitor) sendLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// First pulse goes out immediately so the peer's seeded window does not
	// burn a full interval waiting for the first tick.
	m.publishPulse(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishPulse(ctx)
		}
	}
}

func (m *Monitor) publishPulse(ctx context.Context) {
	payload, err := json.Marshal(Pulse{SenderID: m.sender, Timestamp: time.Now().UTC()})
	if err != nil {
		m.logger.Warn("encode pulse failed", logging.Error(err))
		return
	}
	if err := m.publisher.Publish(ctx, broker.ChannelHeartbeat, payload); err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("publish pulse failed", logging.Error(err))
		}
	}
}

func (m *Monitor) receiveLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := m.broker.Consume(ctx, broker.ChannelHeartbeat, m.group, m.interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, broker.ErrNoMessage) {
				m.logger.Warn("consume pulse failed", logging.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.interval):
				}
			}
			m.evaluate()
			continue
		}

		var pulse Pulse
		decodeErr := json.Unmarshal(delivery.Payload, &pulse)
		if err := delivery.Ack(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("ack pulse failed", logging.Error(err))
		}
		if decodeErr != nil {
			m.logger.Warn("discarding malformed pulse", logging.Error(decodeErr))
			continue
		}
		if pulse.SenderID != m.sender {
			m.observePeer()
		}
		m.evaluate()
	}
}

// observePeer records the local receipt time of a peer pulse. A tripped
// monitor ignores late arrivals; the peer stays dead for the run.
func (m *Monitor) observePeer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tripped {
		return
	}
	m.lastPeer = time.Now()
}

func (m *Monitor) evaluate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.tripped {
		return
	}
	silence := time.Since(m.lastPeer)
	if silence <= m.staleness {
		return
	}
	m.tripped = true
	close(m.expired)
	m.logger.Warn("peer heartbeat stale",
		logging.String(logging.FieldAlert, "peer_unresponsive"),
		logging.String("peer", m.peer),
		logging.Duration("silence", silence),
		logging.Duration("window", m.staleness))
}
