package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateCrawler(); err != nil {
		return err
	}
	if err := c.validatePolicies(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if err := c.validateBlob(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case StoreBackendSQLite, StoreBackendBolt:
		return nil
	case StoreBackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required when store.backend is postgres (or set CHUNKPIPE_POSTGRES_DSN)")
		}
		return nil
	default:
		return fmt.Errorf("store.backend: unsupported value %q (want sqlite, bolt or postgres)", c.Store.Backend)
	}
}

func (c *Config) validateCrawler() error {
	if c.Crawler.TargetCount <= 0 {
		return errors.New("crawler.target_count must be positive")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return errors.New("crawler.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validatePolicies() error {
	if c.Dedupe.HammingThreshold < 0 || c.Dedupe.HammingThreshold > 64 {
		return errors.New("dedupe.hamming_threshold must be between 0 and 64")
	}
	if !validAction(c.Dedupe.Action) {
		return fmt.Errorf("dedupe.action: unsupported value %q", c.Dedupe.Action)
	}
	switch c.Validation.Mode {
	case ValidationStrict, ValidationLenient, ValidationReportOnly:
	default:
		return fmt.Errorf("validation.mode: unsupported value %q", c.Validation.Mode)
	}
	if !validAction(c.Validation.Action) {
		return fmt.Errorf("validation.action: unsupported value %q", c.Validation.Action)
	}
	if c.Validation.MinImageWidth < 0 || c.Validation.MinImageHeight < 0 {
		return errors.New("validation.min_image_width and min_image_height must be non-negative")
	}
	if (c.Dedupe.Action == ActionQuarantine || c.Validation.Action == ActionQuarantine) && c.Paths.QuarantineDir == "" {
		return errors.New("paths.quarantine_dir is required for the quarantine action")
	}
	return nil
}

func validAction(action string) bool {
	switch action {
	case ActionRemove, ActionQuarantine, ActionReportOnly:
		return true
	}
	return false
}

func (c *Config) validateArchive() error {
	switch c.Archive.Format {
	case ArchiveFormatZip, ArchiveFormatTarGz:
	default:
		return fmt.Errorf("archive.format: unsupported value %q (want zip or tar.gz)", c.Archive.Format)
	}
	if c.Archive.CompressionLevel < 0 || c.Archive.CompressionLevel > 9 {
		return errors.New("archive.compression_level must be between 0 and 9")
	}
	return nil
}

func (c *Config) validateBlob() error {
	switch c.Blob.Backend {
	case BlobBackendFS:
		if c.Blob.Dir == "" {
			return errors.New("blob.dir must be set for the fs backend")
		}
	case BlobBackendHTTP:
		if c.Blob.Endpoint == "" {
			return errors.New("blob.endpoint must be set for the http backend")
		}
		if !strings.HasPrefix(c.Blob.Endpoint, "http://") && !strings.HasPrefix(c.Blob.Endpoint, "https://") {
			return fmt.Errorf("blob.endpoint: %q is not an http(s) URL", c.Blob.Endpoint)
		}
	default:
		return fmt.Errorf("blob.backend: unsupported value %q (want fs or http)", c.Blob.Backend)
	}
	return nil
}

func (c *Config) validateRetry() error {
	policies := map[string]RetryPolicy{
		"download": c.Retry.Download,
		"compress": c.Retry.Compress,
		"upload":   c.Retry.Upload,
		"status":   c.Retry.Status,
	}
	for name, p := range policies {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("retry.%s.max_attempts must be at least 1", name)
		}
		if p.InitialBackoffMillis < 0 || p.MaxBackoffMillis < 0 {
			return fmt.Errorf("retry.%s backoff values must be non-negative", name)
		}
		if p.MaxBackoffMillis < p.InitialBackoffMillis {
			return fmt.Errorf("retry.%s.max_backoff_ms must be >= initial_backoff_ms", name)
		}
		if p.Multiplier < 1 {
			return fmt.Errorf("retry.%s.multiplier must be >= 1", name)
		}
		if p.Jitter < 0 || p.Jitter > 1 {
			return fmt.Errorf("retry.%s.jitter must be between 0 and 1", name)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.Workers <= 0 {
		return errors.New("workflow.workers must be positive")
	}
	if c.Workflow.QueuePollInterval <= 0 {
		return errors.New("workflow.queue_poll_interval must be positive")
	}
	if c.Workflow.TaskTimeout <= 0 {
		return errors.New("workflow.task_timeout must be positive")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.StaleWorkspaceHours <= 0 {
		return errors.New("workflow.stale_workspace_hours must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (want console or json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
