package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flotilla/internal/broker"
)

type flakyBroker struct {
	mu       sync.Mutex
	failures int
	err      error
	attempts int
}

func (f *flakyBroker) Publish(context.Context, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyBroker) Consume(context.Context, string, string, time.Duration) (*broker.Delivery, error) {
	return nil, broker.ErrNoMessage
}

func (f *flakyBroker) Ping(context.Context) error { return nil }

func (f *flakyBroker) Close() error { return nil }

func (f *flakyBroker) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestPublisherRetriesUntilSuccess(t *testing.T) {
	fake := &flakyBroker{failures: 2, err: errors.New("transient")}
	pub := broker.NewPublisher(fake, 3, time.Millisecond, nil)

	if err := pub.Publish(context.Background(), broker.ChannelPending, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := fake.attemptCount(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestPublisherEscalatesWhenBudgetExhausted(t *testing.T) {
	fake := &flakyBroker{failures: 100, err: errors.New("transient")}
	pub := broker.NewPublisher(fake, 2, time.Millisecond, nil)

	err := pub.Publish(context.Background(), broker.ChannelPending, []byte("x"))
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := fake.attemptCount(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestPublisherStopsRetryingClosedBroker(t *testing.T) {
	fake := &flakyBroker{failures: 100, err: broker.ErrClosed}
	pub := broker.NewPublisher(fake, 5, time.Millisecond, nil)

	err := pub.Publish(context.Background(), broker.ChannelPending, []byte("x"))
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := fake.attemptCount(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}
