package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeBroker(); err != nil {
		return err
	}
	c.normalizeBackend()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeBroker() error {
	c.Broker.Driver = strings.ToLower(strings.TrimSpace(c.Broker.Driver))
	if c.Broker.Driver == "" {
		c.Broker.Driver = defaultBrokerDriver
	}
	if strings.TrimSpace(c.Broker.Path) != "" {
		expanded, err := expandPath(c.Broker.Path)
		if err != nil {
			return fmt.Errorf("broker.path: %w", err)
		}
		c.Broker.Path = expanded
	} else {
		c.Broker.Path = ""
	}
	c.Broker.Addr = strings.TrimSpace(c.Broker.Addr)
	if c.Broker.Addr == "" {
		c.Broker.Addr = defaultRedisAddr
	}
	c.Broker.Password = strings.TrimSpace(c.Broker.Password)
	if c.Broker.Password == "" {
		if value, ok := os.LookupEnv("FLOTILLA_REDIS_PASSWORD"); ok {
			c.Broker.Password = strings.TrimSpace(value)
		}
	}
	c.Broker.Namespace = strings.TrimSpace(c.Broker.Namespace)
	if c.Broker.Namespace == "" {
		c.Broker.Namespace = defaultRedisNamespace
	}
	return nil
}

func (c *Config) normalizeBackend() {
	c.Backend.Shell = strings.TrimSpace(c.Backend.Shell)
}

func (c *Config) normalizeWorkflow() {
	c.Workflow.Policy = strings.ToLower(strings.TrimSpace(c.Workflow.Policy))
	if c.Workflow.Policy == "" {
		c.Workflow.Policy = defaultPolicy
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
