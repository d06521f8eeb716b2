package testsupport

import (
	"path/filepath"
	"testing"

	"chunkpipe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Retry delays are shrunk so failure paths run quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WorkspaceRoot = filepath.Join(base, "workspaces")
	cfgVal.Paths.QuarantineDir = filepath.Join(base, "quarantine")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Store.Backend = config.StoreBackendSQLite
	cfgVal.Store.SQLitePath = filepath.Join(base, "state", "chunks.db")
	cfgVal.Store.BoltPath = filepath.Join(base, "state", "chunks.bolt")
	cfgVal.Blob.Backend = config.BlobBackendFS
	cfgVal.Blob.Dir = filepath.Join(base, "blobs")
	cfgVal.Validation.MinFileSize = 0
	cfgVal.Validation.MinImageWidth = 8
	cfgVal.Validation.MinImageHeight = 8
	cfgVal.Notifications.Completed = false
	cfgVal.Notifications.Failed = false
	for _, policy := range []*config.RetryPolicy{
		&cfgVal.Retry.Download,
		&cfgVal.Retry.Compress,
		&cfgVal.Retry.Upload,
		&cfgVal.Retry.Status,
	} {
		policy.InitialBackoffMillis = 1
		policy.MaxBackoffMillis = 2
		policy.Jitter = 0
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithStoreBackend selects the status repository backend.
func WithStoreBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store.Backend = backend
	}
}

// WithValidation overrides the validation mode and action.
func WithValidation(mode, action string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Validation.Mode = mode
		b.cfg.Validation.Action = action
	}
}

// WithDedupeAction overrides the duplicate action.
func WithDedupeAction(action string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dedupe.Action = action
	}
}

// WithArchiveFormat selects the artifact container.
func WithArchiveFormat(format string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Archive.Format = format
	}
}

// WithRetryAttempts sets the attempt budgets for download and upload.
func WithRetryAttempts(download, upload int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.Download.MaxAttempts = download
		b.cfg.Retry.Upload.MaxAttempts = upload
	}
}

// WithTaskTimeout sets the per-chunk time budget in seconds.
func WithTaskTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.TaskTimeout = seconds
	}
}
