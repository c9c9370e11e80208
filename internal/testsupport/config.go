package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"flotilla/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories and test
// pacing per test. It applies any provided options and creates the
// directories the config names.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Broker.PollIntervalMillis = 5
	cfg.Workflow.ConsumeWaitMillis = 25
	cfg.Workflow.PollIntervalMillis = 10
	cfg.Workflow.HeartbeatIntervalSeconds = 1
	cfg.Workflow.HeartbeatTimeoutSeconds = 5

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return &cfg
}

// WithPolicy overrides the stage failure policy on the test config.
func WithPolicy(policy string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.Policy = policy
	}
}

// WriteConfig marshals the config to a TOML file in a fresh temp directory
// and returns its path.
func WriteConfig(t testing.TB, cfg *config.Config) string {
	t.Helper()

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "flotilla.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
