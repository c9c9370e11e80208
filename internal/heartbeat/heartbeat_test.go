package heartbeat_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flotilla/internal/broker"
	"flotilla/internal/heartbeat"
)

func openBroker(t *testing.T) *broker.SQLite {
	t.Helper()
	b, err := broker.OpenSQLite(broker.SQLiteOptions{
		Path:         filepath.Join(t.TempDir(), "broker.db"),
		PollInterval: 5 * time.Millisecond,
	})
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

func newMonitor(t *testing.T, b broker.Broker, sender, peer, group string) *heartbeat.Monitor {
	t.Helper()
	m, err := heartbeat.New(heartbeat.Options{
		Sender:    sender,
		Peer:      peer,
		Group:     group,
		Interval:  25 * time.Millisecond,
		Staleness: 250 * time.Millisecond,
		Broker:    b,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func waitExpired(t *testing.T, m *heartbeat.Monitor, timeout time.Duration) {
	t.Helper()
	select {
	case <-m.Expired():
	case <-time.After(timeout):
		t.Fatalf("monitor did not declare the peer dead within %v", timeout)
	}
}

func TestMonitorStaysAliveWhilePeerPulses(t *testing.T) {
	b := openBroker(t)

	proc := newMonitor(t, b, "proc-1", "taskmgr", broker.GroupProcessor)
	tmgr := newMonitor(t, b, "tm-1", "processor", broker.GroupTaskManager)

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("start processor monitor: %v", err)
	}
	defer proc.Stop()
	if err := tmgr.Start(context.Background()); err != nil {
		t.Fatalf("start task manager monitor: %v", err)
	}
	defer tmgr.Stop()

	// Hold well past several staleness windows; live peers must keep both
	// sides green the whole time.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !proc.Check() {
			t.Fatal("processor side went stale while the peer was pulsing")
		}
		if !tmgr.Check() {
			t.Fatal("task manager side went stale while the peer was pulsing")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMonitorTripsWhenPeerNeverPulses(t *testing.T) {
	b := openBroker(t)

	m := newMonitor(t, b, "proc-1", "taskmgr", broker.GroupProcessor)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// The monitor's own pulses keep flowing through the channel; they must
	// not count as peer liveness.
	waitExpired(t, m, 3*time.Second)
	if m.Check() {
		t.Fatal("Check reports alive after the peer was declared dead")
	}

	err := m.Unresponsive()
	if err.Peer != "taskmgr" {
		t.Fatalf("error names peer %q, want taskmgr", err.Peer)
	}
	if !strings.Contains(err.Error(), "taskmgr") {
		t.Fatalf("error text %q does not name the peer", err.Error())
	}
}

func TestMonitorTripsAfterPeerStops(t *testing.T) {
	b := openBroker(t)

	proc := newMonitor(t, b, "proc-1", "taskmgr", broker.GroupProcessor)
	tmgr := newMonitor(t, b, "tm-1", "processor", broker.GroupTaskManager)

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("start processor monitor: %v", err)
	}
	defer proc.Stop()
	if err := tmgr.Start(context.Background()); err != nil {
		t.Fatalf("start task manager monitor: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if !proc.Check() {
		t.Fatal("processor side stale before the peer stopped")
	}

	tmgr.Stop()
	if tmgr.Check() {
		t.Fatal("stopped monitor still reports alive")
	}

	waitExpired(t, proc, 3*time.Second)
	if proc.Check() {
		t.Fatal("Check reports alive after the peer stopped pulsing")
	}
}

func TestMonitorStaysDeadAfterLatePulse(t *testing.T) {
	b := openBroker(t)

	proc := newMonitor(t, b, "proc-1", "taskmgr", broker.GroupProcessor)
	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Stop()

	waitExpired(t, proc, 3*time.Second)

	late := newMonitor(t, b, "tm-1", "processor", broker.GroupTaskManager)
	if err := late.Start(context.Background()); err != nil {
		t.Fatalf("start late peer: %v", err)
	}
	defer late.Stop()

	time.Sleep(300 * time.Millisecond)
	if proc.Check() {
		t.Fatal("late pulses revived a peer already declared dead")
	}
}

func TestMonitorLifecycle(t *testing.T) {
	b := openBroker(t)

	m := newMonitor(t, b, "proc-1", "taskmgr", broker.GroupProcessor)
	if m.Check() {
		t.Fatal("Check reports alive before Start")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.Check() {
		t.Fatal("Check reports stale immediately after Start")
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded")
	}

	m.Stop()
	if m.Check() {
		t.Fatal("Check reports alive after Stop")
	}
	m.Stop()
}

func TestNewValidatesOptions(t *testing.T) {
	b := openBroker(t)

	if _, err := heartbeat.New(heartbeat.Options{Sender: "a", Group: "g"}); err == nil {
		t.Fatal("missing broker accepted")
	}
	if _, err := heartbeat.New(heartbeat.Options{Broker: b, Group: "g"}); err == nil {
		t.Fatal("missing sender accepted")
	}
	if _, err := heartbeat.New(heartbeat.Options{Broker: b, Sender: "a"}); err == nil {
		t.Fatal("missing group accepted")
	}
}
