package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	// WorkDir is the root under which per-run sandboxes, journals, and the
	// run lock live.
	WorkDir string `toml:"work_dir"`
	// LogDir receives the rolling process log.
	LogDir string `toml:"log_dir"`
}

// Broker contains configuration for the message channel layer.
type Broker struct {
	// Driver selects the broker implementation: "sqlite" or "redis".
	Driver string `toml:"driver"`
	// Path locates the sqlite database file. Empty means a fresh database
	// inside the run's session directory, which isolates runs from each
	// other's leftover messages.
	Path string `toml:"path"`
	// Addr, Password, and DB configure the redis driver.
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	// Namespace prefixes redis stream keys so deployments can share one
	// server.
	Namespace string `toml:"namespace"`
	// ClaimLeaseSeconds bounds how long an unacked delivery stays invisible
	// before redelivery.
	ClaimLeaseSeconds int `toml:"claim_lease"`
	// PollIntervalMillis paces blocked consume loops.
	PollIntervalMillis int `toml:"poll_interval_ms"`
}

// ClaimLease returns the redelivery lease as a duration.
func (b Broker) ClaimLease() time.Duration {
	return time.Duration(b.ClaimLeaseSeconds) * time.Second
}

// PollInterval returns the consume poll cadence as a duration.
func (b Broker) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMillis) * time.Millisecond
}

// Backend contains configuration for local task execution.
type Backend struct {
	// Slots caps the cores in flight across all tasks. Zero means every
	// core the host reports.
	Slots int `toml:"slots"`
	// Shell runs task command sequences. Empty means /bin/sh.
	Shell string `toml:"shell"`
}

// Workflow contains configuration for run pacing and liveness.
type Workflow struct {
	// Policy selects stage failure handling: "fail_fast" or "best_effort".
	Policy string `toml:"policy"`
	// ConsumeWaitMillis bounds each blocking channel read.
	ConsumeWaitMillis int `toml:"consume_wait_ms"`
	// PollIntervalMillis paces backend outcome polling.
	PollIntervalMillis int `toml:"poll_interval_ms"`
	// HeartbeatIntervalSeconds is the pulse period between the processor
	// and the task manager.
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval"`
	// HeartbeatTimeoutSeconds is how long a peer may stay silent before
	// the run aborts.
	HeartbeatTimeoutSeconds int `toml:"heartbeat_timeout"`
	// PublishRetries and PublishBackoffMillis bound channel publishes
	// before the broker is declared unavailable.
	PublishRetries       int `toml:"publish_retries"`
	PublishBackoffMillis int `toml:"publish_backoff_ms"`
}

// ConsumeWait returns the blocking-read bound as a duration.
func (w Workflow) ConsumeWait() time.Duration {
	return time.Duration(w.ConsumeWaitMillis) * time.Millisecond
}

// PollInterval returns the backend polling cadence as a duration.
func (w Workflow) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMillis) * time.Millisecond
}

// HeartbeatInterval returns the pulse period as a duration.
func (w Workflow) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the peer staleness window as a duration.
func (w Workflow) HeartbeatTimeout() time.Duration {
	return time.Duration(w.HeartbeatTimeoutSeconds) * time.Second
}

// PublishBackoff returns the base retry backoff as a duration.
func (w Workflow) PublishBackoff() time.Duration {
	return time.Duration(w.PublishBackoffMillis) * time.Millisecond
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Flotilla.
//
// Configuration sections by subsystem:
//   - Paths: work and log directories
//   - Broker: message channel driver and tuning
//   - Backend: local execution slots and shell
//   - Workflow: failure policy, pacing, heartbeat liveness
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Broker   Broker   `toml:"broker"`
	Backend  Backend  `toml:"backend"`
	Workflow Workflow `toml:"workflow"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/flotilla/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/flotilla/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("flotilla.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories a run needs.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
