package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chunkpipe/internal/config"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/notifications"
	"chunkpipe/internal/pipeline"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/workspace"
)

// Runner executes one chunk to a terminal status.
type Runner interface {
	Run(ctx context.Context, chunkID string, metadata map[string]any) (pipeline.Result, error)
}

// Manager coordinates the worker pool and the stale-chunk reaper.
type Manager struct {
	cfg          *config.Config
	repo         queue.Repository
	runner       Runner
	workspaces   *workspace.Manager
	notifier     notifications.Service
	logger       *slog.Logger
	pollInterval time.Duration
	workers      int
	reaper       *Reaper

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	completed int
	failed    int
	lastErr   error
	lastChunk string
}

// NewManager constructs a worker pool. workspaces and notifier may be nil.
func NewManager(cfg *config.Config, repo queue.Repository, runner Runner, workspaces *workspace.Manager, notifier notifications.Service, logger *slog.Logger) *Manager {
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	workers := cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	logger = logging.NewComponentLogger(logger, "workflow")
	return &Manager{
		cfg:          cfg,
		repo:         repo,
		runner:       runner,
		workspaces:   workspaces,
		notifier:     notifier,
		logger:       logger,
		pollInterval: cfg.Workflow.PollIntervalDuration(),
		workers:      workers,
		reaper: NewReaper(repo, logger,
			cfg.Workflow.HeartbeatIntervalDuration(),
			cfg.Workflow.HeartbeatTimeoutDuration()),
	}
}
