package pipeline

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"chunkpipe/internal/archive"
	"chunkpipe/internal/blobstore"
	"chunkpipe/internal/config"
	"chunkpipe/internal/crawler"
	"chunkpipe/internal/dedupe"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/integrity"
	"chunkpipe/internal/notifications"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/retry"
	"chunkpipe/internal/stage"
	"chunkpipe/internal/status"
	"chunkpipe/internal/workspace"
)

// Options override collaborators that would otherwise be built from config.
type Options struct {
	Crawler  crawler.Crawler
	Blob     blobstore.Store
	Notifier notifications.Service
	// Owner identifies this worker in claimed records. Defaults to
	// hostname plus a random suffix.
	Owner string
	// RetryOptions are applied to every stage and status executor.
	RetryOptions []retry.Option
}

// NewFromConfig wires a Controller from configuration.
func NewFromConfig(cfg *config.Config, repo queue.Repository, logger *slog.Logger, opts Options) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("pipeline: repository is required")
	}

	dedupeAction, err := imageset.ParseAction(cfg.Dedupe.Action)
	if err != nil {
		return nil, fmt.Errorf("dedupe.action: %w", err)
	}
	validationAction, err := imageset.ParseAction(cfg.Validation.Action)
	if err != nil {
		return nil, fmt.Errorf("validation.action: %w", err)
	}
	mode, err := integrity.ParseMode(cfg.Validation.Mode)
	if err != nil {
		return nil, fmt.Errorf("validation.mode: %w", err)
	}

	c := opts.Crawler
	if c == nil {
		command, err := crawler.NewCommand(cfg.Crawler, logger)
		if err != nil {
			return nil, err
		}
		c = command
	}
	blob := opts.Blob
	if blob == nil {
		if blob, err = blobstore.Open(cfg.Blob, logger); err != nil {
			return nil, err
		}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	owner := opts.Owner
	if owner == "" {
		owner = DefaultOwner()
	}

	return New(Deps{
		Status:     status.NewManager(repo, retry.PolicyFromConfig(cfg.Retry.Status), owner, logger, opts.RetryOptions...),
		Workspaces: workspace.NewManager(cfg.Paths.WorkspaceRoot, logger),
		Download:   stage.NewDownload(c, cfg.Crawler.TargetCount, retry.PolicyFromConfig(cfg.Retry.Download), logger, opts.RetryOptions...),
		Dedupe: dedupe.New(cfg.Dedupe.HammingThreshold, imageset.Disposer{
			Action:        dedupeAction,
			QuarantineDir: cfg.Paths.QuarantineDir,
		}, logger),
		Validator: integrity.New(mode, integrity.RulesFromConfig(cfg.Validation), imageset.Disposer{
			Action:        validationAction,
			QuarantineDir: cfg.Paths.QuarantineDir,
		}, logger),
		Compress:          stage.NewCompress(archive.New(cfg.Archive.Format, cfg.Archive.CompressionLevel, logger), retry.PolicyFromConfig(cfg.Retry.Compress), logger, opts.RetryOptions...),
		Upload:            stage.NewUpload(blob, cfg.Blob.KeyPrefix, retry.PolicyFromConfig(cfg.Retry.Upload), logger, opts.RetryOptions...),
		Notifier:          notifier,
		Logger:            logger,
		TaskTimeout:       cfg.Workflow.TaskTimeoutDuration(),
		HeartbeatInterval: cfg.Workflow.HeartbeatIntervalDuration(),
	})
}

// DefaultOwner returns "<hostname>-<random>" for claimed records.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
