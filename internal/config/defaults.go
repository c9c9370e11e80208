package config

const (
	defaultWorkDir              = "~/.local/share/flotilla/runs"
	defaultLogDir               = "~/.local/share/flotilla/logs"
	defaultBrokerDriver         = "sqlite"
	defaultRedisAddr            = "127.0.0.1:6379"
	defaultRedisNamespace       = "flotilla"
	defaultClaimLeaseSeconds    = 30
	defaultBrokerPollMillis     = 25
	defaultPolicy               = "fail_fast"
	defaultConsumeWaitMillis    = 500
	defaultBackendPollMillis    = 250
	defaultHeartbeatInterval    = 10
	defaultHeartbeatTimeout     = 60
	defaultPublishRetries       = 3
	defaultPublishBackoffMillis = 100
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir: defaultWorkDir,
			LogDir:  defaultLogDir,
		},
		Broker: Broker{
			Driver:             defaultBrokerDriver,
			Addr:               defaultRedisAddr,
			Namespace:          defaultRedisNamespace,
			ClaimLeaseSeconds:  defaultClaimLeaseSeconds,
			PollIntervalMillis: defaultBrokerPollMillis,
		},
		Backend: Backend{
			Slots: 0,
		},
		Workflow: Workflow{
			Policy:                   defaultPolicy,
			ConsumeWaitMillis:        defaultConsumeWaitMillis,
			PollIntervalMillis:       defaultBackendPollMillis,
			HeartbeatIntervalSeconds: defaultHeartbeatInterval,
			HeartbeatTimeoutSeconds:  defaultHeartbeatTimeout,
			PublishRetries:           defaultPublishRetries,
			PublishBackoffMillis:     defaultPublishBackoffMillis,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
