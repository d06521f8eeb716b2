package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	if err := c.normalizeBlob(); err != nil {
		return err
	}
	c.normalizeEnums()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WorkspaceRoot, err = expandPath(c.Paths.WorkspaceRoot); err != nil {
		return fmt.Errorf("paths.workspace_root: %w", err)
	}
	if c.Paths.QuarantineDir, err = expandPath(c.Paths.QuarantineDir); err != nil {
		return fmt.Errorf("paths.quarantine_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("CHUNKPIPE_API_TOKEN"); ok {
			c.Paths.APIToken = value
		}
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendSQLite
	}
	var err error
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.StateDir, defaultSQLiteFile)
	}
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	if strings.TrimSpace(c.Store.BoltPath) == "" {
		c.Store.BoltPath = filepath.Join(c.Paths.StateDir, defaultBoltFile)
	}
	if c.Store.BoltPath, err = expandPath(c.Store.BoltPath); err != nil {
		return fmt.Errorf("store.bolt_path: %w", err)
	}
	if c.Store.PostgresDSN == "" {
		if value, ok := os.LookupEnv("CHUNKPIPE_POSTGRES_DSN"); ok {
			c.Store.PostgresDSN = value
		}
	}
	c.Store.PostgresDSN = strings.TrimSpace(c.Store.PostgresDSN)
	return nil
}

func (c *Config) normalizeBlob() error {
	c.Blob.Backend = strings.ToLower(strings.TrimSpace(c.Blob.Backend))
	if c.Blob.Backend == "" {
		c.Blob.Backend = BlobBackendFS
	}
	if strings.TrimSpace(c.Blob.Dir) == "" {
		c.Blob.Dir = defaultBlobDir
	}
	var err error
	if c.Blob.Dir, err = expandPath(c.Blob.Dir); err != nil {
		return fmt.Errorf("blob.dir: %w", err)
	}
	if c.Blob.Token == "" {
		if value, ok := os.LookupEnv("CHUNKPIPE_BLOB_TOKEN"); ok {
			c.Blob.Token = value
		}
	}
	c.Blob.Token = strings.TrimSpace(c.Blob.Token)
	c.Blob.Endpoint = strings.TrimRight(strings.TrimSpace(c.Blob.Endpoint), "/")
	c.Blob.KeyPrefix = strings.Trim(strings.TrimSpace(c.Blob.KeyPrefix), "/")
	if c.Blob.TimeoutSeconds <= 0 {
		c.Blob.TimeoutSeconds = defaultBlobTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizeEnums() {
	c.Dedupe.Action = strings.ToLower(strings.TrimSpace(c.Dedupe.Action))
	if c.Dedupe.Action == "" {
		c.Dedupe.Action = ActionRemove
	}
	c.Validation.Mode = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c.Validation.Mode)), "-", "_")
	if c.Validation.Mode == "" {
		c.Validation.Mode = ValidationLenient
	}
	c.Validation.Action = strings.ToLower(strings.TrimSpace(c.Validation.Action))
	if c.Validation.Action == "" {
		c.Validation.Action = ActionRemove
	}
	c.Archive.Format = strings.ToLower(strings.TrimSpace(c.Archive.Format))
	switch c.Archive.Format {
	case "":
		c.Archive.Format = ArchiveFormatZip
	case "tgz", "targz":
		c.Archive.Format = ArchiveFormatTarGz
	}
	c.Crawler.Command = strings.TrimSpace(c.Crawler.Command)
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("CHUNKPIPE_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = value
		}
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
