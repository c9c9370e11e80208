package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultNamespace = "flotilla"
	defaultRedisPoll = 25 * time.Millisecond
	nonBlockingRead  = time.Duration(-1)
)

// RedisOptions configures the Redis Streams broker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Consumer identifies this process within consumer groups. Defaults to
	// the hostname plus pid. A consumer that restarts under the same name
	// reclaims its unacked deliveries.
	Consumer string
	// Namespace prefixes stream keys so deployments can share one Redis.
	// Defaults to "flotilla".
	Namespace string
	// PollInterval bounds how often Consume re-checks the stream while
	// waiting for a message.
	PollInterval time.Duration
}

// Redis is a broker over Redis Streams: XADD to publish, XREADGROUP through
// consumer groups to consume, XACK to acknowledge. Groups are created at the
// stream origin so late subscribers still observe the full channel. On its
// first read after start, a consumer drains its own pending entries (id "0")
// before asking for new ones.
type Redis struct {
	client   *redis.Client
	consumer string
	ns       string
	poll     time.Duration

	mu       sync.Mutex
	prepared map[string]struct{}
	draining map[string]bool
	closed   bool
}

// OpenRedis connects to Redis and verifies reachability.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("broker: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	consumer := opts.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s.%d", host, os.Getpid())
	}
	ns := opts.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultRedisPoll
	}
	return &Redis{
		client:   client,
		consumer: consumer,
		ns:       ns,
		poll:     poll,
		prepared: make(map[string]struct{}),
		draining: make(map[string]bool),
	}, nil
}

func (r *Redis) stream(channel string) string {
	return r.ns + "." + channel
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Publish appends a message to the channel's stream.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream(channel),
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) ensureGroup(ctx context.Context, channel, group string) error {
	key := channel + "/" + group
	r.mu.Lock()
	_, ok := r.prepared[key]
	r.mu.Unlock()
	if ok {
		return nil
	}

	err := r.client.XGroupCreateMkStream(ctx, r.stream(channel), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, channel, err)
	}

	r.mu.Lock()
	r.prepared[key] = struct{}{}
	r.draining[key] = true
	r.mu.Unlock()
	return nil
}

// Consume blocks until a message is available for the group or wait elapses.
func (r *Redis) Consume(ctx context.Context, channel, group string, wait time.Duration) (*Delivery, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	if err := r.ensureGroup(ctx, channel, group); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		if delivery, err := r.readBacklog(ctx, channel, group); err != nil || delivery != nil {
			return delivery, err
		}

		delivery, err := r.readNew(ctx, channel, group)
		if err != nil || delivery != nil {
			return delivery, err
		}

		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

// readBacklog drains this consumer's unacked entries after a restart.
func (r *Redis) readBacklog(ctx context.Context, channel, group string) (*Delivery, error) {
	key := channel + "/" + group
	r.mu.Lock()
	draining := r.draining[key]
	r.mu.Unlock()
	if !draining {
		return nil, nil
	}

	delivery, err := r.read(ctx, channel, group, "0")
	if err != nil || delivery != nil {
		return delivery, err
	}

	r.mu.Lock()
	r.draining[key] = false
	r.mu.Unlock()
	return nil, nil
}

func (r *Redis) readNew(ctx context.Context, channel, group string) (*Delivery, error) {
	return r.read(ctx, channel, group, ">")
}

func (r *Redis) read(ctx context.Context, channel, group, id string) (*Delivery, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: r.consumer,
		Streams:  []string{r.stream(channel), id},
		Count:    1,
		Block:    nonBlockingRead,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read %s: %w", channel, err)
	}
	return r.firstDelivery(channel, group, res), nil
}

func (r *Redis) firstDelivery(channel, group string, res []redis.XStream) *Delivery {
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload := extractPayload(msg.Values)
			id := msg.ID
			return &Delivery{
				Channel: channel,
				Group:   group,
				Payload: payload,
				ack: func(ackCtx context.Context) error {
					if err := r.client.XAck(ackCtx, r.stream(channel), group, id).Err(); err != nil {
						return fmt.Errorf("ack %s on %s: %w", id, channel, err)
					}
					return nil
				},
			}
		}
	}
	return nil
}

func extractPayload(values map[string]interface{}) []byte {
	switch v := values["payload"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

// Ping reports whether Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.client.Close()
}
