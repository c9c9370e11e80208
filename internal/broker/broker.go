package broker

import (
	"context"
	"errors"
	"time"
)

// Channel names shared by every deployment. Pending and completed carry task
// records keyed by uid; heartbeat carries pulses.
const (
	ChannelPending   = "pending"
	ChannelCompleted = "completed"
	ChannelHeartbeat = "heartbeat"
)

// Consumer group names. The task manager group consumes pending, the
// processor group consumes completed, and both consume heartbeat, each side
// filtering out its own pulses by sender id.
const (
	GroupTaskManager = "taskmgr"
	GroupProcessor   = "processor"
)

var (
	// ErrNoMessage reports that the wait bound elapsed with nothing to
	// deliver. Benign; callers loop.
	ErrNoMessage = errors.New("broker: no message")

	// ErrUnavailable reports that the channel itself failed after bounded
	// retries. Components treat it as fatal to the run.
	ErrUnavailable = errors.New("broker: unavailable")

	// ErrClosed reports use of a closed broker.
	ErrClosed = errors.New("broker: closed")
)

// Delivery is one consumed message plus its ack handle. A delivery that is
// never acked is redelivered once its claim lapses.
type Delivery struct {
	Channel string
	Group   string
	Payload []byte

	ack func(context.Context) error
}

// Ack marks the delivery processed so it is not delivered again.
func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Broker is a durable at-least-once FIFO channel provider with consumer
// groups.
type Broker interface {
	// Publish appends a message to the channel. The message is durable once
	// Publish returns.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Consume blocks until a message is available for the group or wait
	// elapses, returning ErrNoMessage on timeout.
	Consume(ctx context.Context, channel, group string, wait time.Duration) (*Delivery, error)
	// Ping reports whether the underlying transport is reachable.
	Ping(ctx context.Context) error
	// Close releases the transport. Unacked deliveries are redelivered to
	// the next consumer.
	Close() error
}
