package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Driver {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("broker.driver must be \"sqlite\" or \"redis\", got %q", c.Broker.Driver)
	}
	if c.Broker.DB < 0 {
		return errors.New("broker.db must be >= 0")
	}
	return ensurePositiveMap(map[string]int{
		"broker.claim_lease":      c.Broker.ClaimLeaseSeconds,
		"broker.poll_interval_ms": c.Broker.PollIntervalMillis,
	})
}

func (c *Config) validateBackend() error {
	if c.Backend.Slots < 0 {
		return errors.New("backend.slots must be >= 0")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	switch c.Workflow.Policy {
	case "fail_fast", "best_effort":
	default:
		return fmt.Errorf("workflow.policy must be \"fail_fast\" or \"best_effort\", got %q", c.Workflow.Policy)
	}
	if err := ensurePositiveMap(map[string]int{
		"workflow.consume_wait_ms":    c.Workflow.ConsumeWaitMillis,
		"workflow.poll_interval_ms":   c.Workflow.PollIntervalMillis,
		"workflow.publish_retries":    c.Workflow.PublishRetries,
		"workflow.publish_backoff_ms": c.Workflow.PublishBackoffMillis,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatIntervalSeconds <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeoutSeconds <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeoutSeconds <= c.Workflow.HeartbeatIntervalSeconds {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
