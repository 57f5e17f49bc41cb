package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateQuota(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.worker_count":           c.Workflow.WorkerCount,
		"workflow.queue_poll_interval":    c.Workflow.QueuePollInterval,
		"workflow.lease_timeout":          c.Workflow.LeaseTimeout,
		"workflow.lease_renewal_interval": c.Workflow.LeaseRenewalInterval,
		"workflow.reclaim_interval":       c.Workflow.ReclaimInterval,
		"workflow.retry_base_delay":       c.Workflow.RetryBaseDelay,
		"workflow.event_relay_interval":   c.Workflow.EventRelayInterval,
		"workflow.event_relay_batch_size": c.Workflow.EventRelayBatchSize,
		"workflow.quota_recency_window":   c.Workflow.QuotaRecencyWindowSecs,
	}); err != nil {
		return err
	}
	if c.Workflow.MaxRetries < 0 {
		return errors.New("workflow.max_retries must be >= 0")
	}
	if c.Workflow.LeaseTimeout <= c.Workflow.LeaseRenewalInterval {
		return errors.New("workflow.lease_timeout must be greater than workflow.lease_renewal_interval")
	}
	return nil
}

func (c *Config) validateQuota() error {
	if c.Quota.SeedDefaults && strings.TrimSpace(c.Quota.DefaultService) == "" {
		return errors.New("quota.default_service must be set when quota.seed_defaults is true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
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
