package testsupport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"flotilla/internal/backend"
	"flotilla/internal/broker"
)

// MustOpenBroker opens a sqlite broker in a fresh temp directory with test
// pacing and registers cleanup.
func MustOpenBroker(t testing.TB) *broker.SQLite {
	t.Helper()

	b, err := broker.OpenSQLite(broker.SQLiteOptions{
		Path:         filepath.Join(t.TempDir(), "broker.db"),
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("broker.OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("close broker: %v", err)
		}
	})
	return b
}

// MustOpenBackend builds a local backend rooted in a fresh temp directory and
// registers cleanup.
func MustOpenBackend(t testing.TB, session string) *backend.Local {
	t.Helper()

	be, err := backend.NewLocal(context.Background(), backend.LocalOptions{
		WorkDir: t.TempDir(),
		Session: session,
	})
	if err != nil {
		t.Fatalf("backend.NewLocal: %v", err)
	}
	t.Cleanup(func() {
		if err := be.Close(); err != nil {
			t.Errorf("close backend: %v", err)
		}
	})
	return be
}
