package broker_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flotilla/internal/broker"
)

func openSQLite(t *testing.T, opts broker.SQLiteOptions) *broker.SQLite {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "broker.db")
	}
	b, err := broker.OpenSQLite(opts)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b
}

func TestSQLiteDeliversInPublishOrder(t *testing.T) {
	b := openSQLite(t, broker.SQLiteOptions{})
	ctx := context.Background()

	payloads := []string{"first", "second", "third"}
	for _, p := range payloads {
		if err := b.Publish(ctx, broker.ChannelPending, []byte(p)); err != nil {
			t.Fatalf("Publish %q: %v", p, err)
		}
	}

	for _, want := range payloads {
		delivery, err := b.Consume(ctx, broker.ChannelPending, broker.GroupTaskManager, time.Second)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if got := string(delivery.Payload); got != want {
			t.Fatalf("payload = %q, want %q", got, want)
		}
		if err := delivery.Ack(ctx); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}

	if _, err := b.Consume(ctx, broker.ChannelPending, broker.GroupTaskManager, 50*time.Millisecond); !errors.Is(err, broker.ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage on drained channel, got %v", err)
	}
}

func TestSQLiteRedeliversUnackedAfterLease(t *testing.T) {
	b := openSQLite(t, broker.SQLiteOptions{ClaimLease: 50 * time.Millisecond})
	ctx := context.Background()

	if err := b.Publish(ctx, broker.ChannelCompleted, []byte("once")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	first, err := b.Consume(ctx, broker.ChannelCompleted, broker.GroupProcessor, time.Second)
	if err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if string(first.Payload) != "once" {
		t.Fatalf("first payload = %q", first.Payload)
	}

	// Not acked, so the claim lease lapses and the message comes back.
	second, err := b.Consume(ctx, broker.ChannelCompleted, broker.GroupProcessor, 2*time.Second)
	if err != nil {
		t.Fatalf("second Consume: %v", err)
	}
	if string(second.Payload) != "once" {
		t.Fatalf("second payload = %q", second.Payload)
	}
	if err := second.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if _, err := b.Consume(ctx, broker.ChannelCompleted, broker.GroupProcessor, 150*time.Millisecond); !errors.Is(err, broker.ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage after ack, got %v", err)
	}
}

func TestSQLiteGroupsEachSeeEveryMessage(t *testing.T) {
	b := openSQLite(t, broker.SQLiteOptions{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Publish(ctx, broker.ChannelHeartbeat, []byte(fmt.Sprintf("pulse-%d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	drain := func(group string) []string {
		t.Helper()
		var got []string
		for {
			delivery, err := b.Consume(ctx, broker.ChannelHeartbeat, group, 50*time.Millisecond)
			if errors.Is(err, broker.ErrNoMessage) {
				return got
			}
			if err != nil {
				t.Fatalf("Consume %s: %v", group, err)
			}
			got = append(got, string(delivery.Payload))
			if err := delivery.Ack(ctx); err != nil {
				t.Fatalf("Ack %s: %v", group, err)
			}
		}
	}

	// The processor group registers only now, after both publishes, and
	// still observes the full channel history.
	for _, group := range []string{broker.GroupTaskManager, broker.GroupProcessor} {
		got := drain(group)
		if len(got) != 2 || got[0] != "pulse-0" || got[1] != "pulse-1" {
			t.Fatalf("group %s saw %v, want [pulse-0 pulse-1]", group, got)
		}
	}
}

func TestSQLiteConsumeWaitsFullWindow(t *testing.T) {
	b := openSQLite(t, broker.SQLiteOptions{})
	ctx := context.Background()

	wait := 80 * time.Millisecond
	start := time.Now()
	_, err := b.Consume(ctx, broker.ChannelPending, broker.GroupTaskManager, wait)
	elapsed := time.Since(start)

	if !errors.Is(err, broker.ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
	if elapsed < wait {
		t.Fatalf("Consume returned after %v, want at least %v", elapsed, wait)
	}
}

func TestSQLiteConsumeHonorsContext(t *testing.T) {
	b := openSQLite(t, broker.SQLiteOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Consume(ctx, broker.ChannelPending, broker.GroupTaskManager, 10*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Consume took %v to notice cancellation", elapsed)
	}
}

func TestSQLiteAckIsIdempotent(t *testing.T) {
	b := openSQLite(t, broker.SQLiteOptions{})
	ctx := context.Background()

	if err := b.Publish(ctx, broker.ChannelPending, []byte("msg")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	delivery, err := b.Consume(ctx, broker.ChannelPending, broker.GroupTaskManager, time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("second Ack: %v", err)
	}
}

func TestSQLiteConcurrentConsumersShareWithoutDuplicates(t *testing.T) {
	b := openSQLite(t, broker.SQLiteOptions{})
	ctx := context.Background()

	const total = 12
	for i := 0; i < total; i++ {
		if err := b.Publish(ctx, broker.ChannelPending, []byte(fmt.Sprintf("task-%02d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				delivery, err := b.Consume(ctx, broker.ChannelPending, broker.GroupTaskManager, 200*time.Millisecond)
				if errors.Is(err, broker.ErrNoMessage) {
					return
				}
				if err != nil {
					t.Errorf("Consume: %v", err)
					return
				}
				mu.Lock()
				seen[string(delivery.Payload)]++
				mu.Unlock()
				if err := delivery.Ack(ctx); err != nil {
					t.Errorf("Ack: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("consumed %d distinct payloads, want %d", len(seen), total)
	}
	for payload, count := range seen {
		if count != 1 {
			t.Fatalf("payload %s delivered %d times", payload, count)
		}
	}
}

func TestSQLiteClosedBrokerRejectsOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.db")
	b, err := broker.OpenSQLite(broker.SQLiteOptions{Path: path})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx := context.Background()
	if err := b.Publish(ctx, broker.ChannelPending, []byte("x")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("Publish on closed broker: %v", err)
	}
	if _, err := b.Consume(ctx, broker.ChannelPending, broker.GroupTaskManager, time.Millisecond); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("Consume on closed broker: %v", err)
	}
}
