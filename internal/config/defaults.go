package config

import "github.com/c2h5oh/datasize"

const (
	defaultWorkspaceRoot         = "~/.local/share/chunkpipe/workspaces"
	defaultQuarantineDir         = "~/.local/share/chunkpipe/quarantine"
	defaultStateDir              = "~/.local/share/chunkpipe/state"
	defaultLogDir                = "~/.local/share/chunkpipe/logs"
	defaultBlobDir               = "~/.local/share/chunkpipe/blobs"
	defaultAPIBind               = "127.0.0.1:7490"
	defaultSQLiteFile            = "chunks.db"
	defaultBoltFile              = "chunks.bolt"
	defaultCrawlerTargetCount    = 50
	defaultCrawlerTimeoutSeconds = 600
	defaultHammingThreshold      = 5
	defaultCompressionLevel      = 6
	defaultBlobKeyPrefix         = "chunks"
	defaultBlobTimeoutSeconds    = 60
	defaultMinImageDimension     = 64
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultWorkers               = 2
	defaultQueuePollInterval     = 5
	defaultTaskTimeout           = 1800
	defaultHeartbeatInterval     = 15
	defaultHeartbeatTimeout      = 120
	defaultStaleWorkspaceHours   = 24
)

// Store backends.
const (
	StoreBackendSQLite   = "sqlite"
	StoreBackendBolt     = "bolt"
	StoreBackendPostgres = "postgres"
)

// Blob backends.
const (
	BlobBackendFS   = "fs"
	BlobBackendHTTP = "http"
)

// Archive formats.
const (
	ArchiveFormatZip   = "zip"
	ArchiveFormatTarGz = "tar.gz"
)

// Removal actions shared by dedupe and validation.
const (
	ActionRemove     = "remove"
	ActionQuarantine = "quarantine"
	ActionReportOnly = "report_only"
)

// Validation modes.
const (
	ValidationStrict     = "strict"
	ValidationLenient    = "lenient"
	ValidationReportOnly = "report_only"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkspaceRoot: defaultWorkspaceRoot,
			QuarantineDir: defaultQuarantineDir,
			StateDir:      defaultStateDir,
			LogDir:        defaultLogDir,
			APIBind:       defaultAPIBind,
		},
		Store: Store{
			Backend: StoreBackendSQLite,
		},
		Crawler: Crawler{
			TargetCount:    defaultCrawlerTargetCount,
			TimeoutSeconds: defaultCrawlerTimeoutSeconds,
		},
		Dedupe: Dedupe{
			HammingThreshold: defaultHammingThreshold,
			Action:           ActionRemove,
		},
		Validation: Validation{
			Mode:           ValidationLenient,
			Action:         ActionRemove,
			MinFileSize:    1 * datasize.KB,
			MinImageWidth:  defaultMinImageDimension,
			MinImageHeight: defaultMinImageDimension,
		},
		Archive: Archive{
			Format:           ArchiveFormatZip,
			CompressionLevel: defaultCompressionLevel,
		},
		Blob: Blob{
			Backend:        BlobBackendFS,
			Dir:            defaultBlobDir,
			KeyPrefix:      defaultBlobKeyPrefix,
			TimeoutSeconds: defaultBlobTimeoutSeconds,
		},
		Retry: Retry{
			Download: RetryPolicy{MaxAttempts: 3, InitialBackoffMillis: 500, MaxBackoffMillis: 8000, Multiplier: 2, Jitter: 0.2},
			Compress: RetryPolicy{MaxAttempts: 2, InitialBackoffMillis: 100, MaxBackoffMillis: 100, Multiplier: 1, Jitter: 0},
			Upload:   RetryPolicy{MaxAttempts: 5, InitialBackoffMillis: 1000, MaxBackoffMillis: 30000, Multiplier: 2, Jitter: 0.2},
			Status:   RetryPolicy{MaxAttempts: 5, InitialBackoffMillis: 50, MaxBackoffMillis: 1000, Multiplier: 2, Jitter: 0.1},
		},
		Workflow: Workflow{
			Workers:             defaultWorkers,
			QueuePollInterval:   defaultQueuePollInterval,
			TaskTimeout:         defaultTaskTimeout,
			HeartbeatInterval:   defaultHeartbeatInterval,
			HeartbeatTimeout:    defaultHeartbeatTimeout,
			StaleWorkspaceHours: defaultStaleWorkspaceHours,
			MinFreeDisk:         512 * datasize.MB,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Completed:      true,
			Failed:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
