package config

const (
	defaultDataDir                = "~/.local/share/loom"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultWorkerCount            = 2
	defaultQueuePollInterval      = 5
	defaultLeaseTimeout           = 300
	defaultLeaseRenewalInterval   = 30
	defaultReclaimInterval        = 60
	defaultMaxRetries             = 3
	defaultRetryBaseDelay         = 300
	defaultEventRelayInterval     = 10
	defaultEventRelayBatchSize    = 100
	defaultQuotaRecencyWindowSecs = 86400
	defaultQuotaService           = "gemini"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
		},
		Workflow: Workflow{
			WorkerCount:            defaultWorkerCount,
			QueuePollInterval:      defaultQueuePollInterval,
			LeaseTimeout:           defaultLeaseTimeout,
			LeaseRenewalInterval:   defaultLeaseRenewalInterval,
			ReclaimInterval:        defaultReclaimInterval,
			MaxRetries:             defaultMaxRetries,
			RetryBaseDelay:         defaultRetryBaseDelay,
			EventRelayInterval:     defaultEventRelayInterval,
			EventRelayBatchSize:    defaultEventRelayBatchSize,
			QuotaRecencyWindowSecs: defaultQuotaRecencyWindowSecs,
		},
		Quota: Quota{
			SeedDefaults:   true,
			DefaultService: defaultQuotaService,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
