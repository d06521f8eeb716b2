package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"chunkpipe/internal/archive"
	"chunkpipe/internal/dedupe"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/integrity"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/notifications"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/services"
	"chunkpipe/internal/stage"
	"chunkpipe/internal/status"
	"chunkpipe/internal/workspace"
)

// Result describes how a run ended.
type Result struct {
	Status   queue.Status
	URL      string
	Outcome  *imageset.Outcome
	Artifact *archive.Artifact
	Attempts map[string]int
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Status     *status.Manager
	Workspaces *workspace.Manager
	Download   *stage.Download
	Dedupe     *dedupe.Detector
	Validator  *integrity.Validator
	Compress   *stage.Compress
	Upload     *stage.Upload
	Notifier   notifications.Service
	Logger     *slog.Logger

	// TaskTimeout bounds a whole run. Zero disables the budget.
	TaskTimeout time.Duration
	// HeartbeatInterval controls liveness updates while PROCESSING. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
}

// Controller orchestrates a single chunk execution.
type Controller struct {
	deps   Deps
	logger *slog.Logger
}

// New validates deps and returns a Controller.
func New(deps Deps) (*Controller, error) {
	switch {
	case deps.Status == nil:
		return nil, errors.New("pipeline: status manager is required")
	case deps.Workspaces == nil:
		return nil, errors.New("pipeline: workspace manager is required")
	case deps.Download == nil, deps.Compress == nil, deps.Upload == nil:
		return nil, errors.New("pipeline: download, compress and upload stages are required")
	case deps.Dedupe == nil, deps.Validator == nil:
		return nil, errors.New("pipeline: duplicate detector and validator are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	return &Controller{deps: deps, logger: logging.NewComponentLogger(deps.Logger, "pipeline")}, nil
}

// Health reports readiness of the external-facing stages.
func (c *Controller) Health(ctx context.Context) []stage.Health {
	return []stage.Health{c.deps.Download.HealthCheck(ctx), c.deps.Upload.HealthCheck(ctx)}
}

// Run executes chunkID with the supplied invocation metadata, which must
// carry a non-empty "keyword". An optional "task_id" entry is used for log
// correlation; otherwise one is generated.
//
// When another execution already holds the chunk, Run returns an error
// wrapping services.ErrAlreadyProcessing and does nothing else. Every other
// return leaves the chunk in a terminal status.
func (c *Controller) Run(ctx context.Context, chunkID string, metadata map[string]any) (Result, error) {
	taskID, _ := metadata["task_id"].(string)
	if strings.TrimSpace(taskID) == "" {
		taskID = shortuuid.New()
	}
	ctx = services.WithChunkID(services.WithTaskID(ctx, taskID), chunkID)
	logger := logging.WithContext(ctx, c.logger)

	keyword := queue.KeywordFrom(metadata)
	if keyword == "" {
		return c.reject(ctx, logger, chunkID)
	}

	claimed, err := c.deps.Status.Claim(ctx, chunkID)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		logger.Info("chunk already claimed; skipping",
			logging.String(logging.FieldEventType, "claim_lost"),
		)
		return Result{}, services.Wrap(services.ErrAlreadyProcessing, "", "claim", chunkID, nil)
	}
	logger.Info("chunk claimed",
		logging.String(logging.FieldEventType, "chunk_start"),
		logging.String("keyword", keyword),
	)

	runCtx, cancel := c.withBudget(ctx)
	defer cancel()
	stopHeartbeat := c.startHeartbeat(runCtx, chunkID)

	start := time.Now()
	run := &execution{chunkID: chunkID, keyword: keyword, attempts: map[string]int{}}
	execErr := c.executeRecovered(runCtx, logger, run)
	stopHeartbeat()

	if execErr != nil {
		execErr = c.classifyInterruption(ctx, runCtx, run.phase, execErr)
		return c.finishFailed(ctx, logger, run, execErr, time.Since(start))
	}
	return c.finishCompleted(ctx, logger, run, time.Since(start))
}

// execution carries per-run state between phases.
type execution struct {
	chunkID  string
	keyword  string
	phase    queue.Phase
	attempts map[string]int
	outcome  *imageset.Outcome
	artifact *archive.Artifact
	url      string
}

// executeRecovered converts a panic raised by a collaborator into an
// ExternalToolError so the chunk still reaches FAILED.
func (c *Controller) executeRecovered(ctx context.Context, logger *slog.Logger, run *execution) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error("chunk execution panicked",
			logging.String(logging.FieldEventType, "chunk_panic"),
			logging.String(logging.FieldPhase, string(run.phase)),
			logging.Any("panic", r),
			logging.String("stack", string(debug.Stack())),
		)
		err = services.Wrap(services.ErrExternalTool, "", string(run.phase), fmt.Sprintf("panic: %v", r), nil)
	}()
	return c.execute(ctx, run)
}

func (c *Controller) execute(ctx context.Context, run *execution) error {
	run.phase = queue.PhaseDownloading
	ws, err := c.deps.Workspaces.Acquire(ctx, run.chunkID)
	if err != nil {
		return err
	}
	defer ws.Release()

	var files []*imageset.Candidate
	err = c.phase(ctx, run, queue.PhaseDownloading, func(ctx context.Context) error {
		var attempts int
		files, attempts, err = c.deps.Download.Run(ctx, run.keyword, ws.ImagesDir())
		run.attempts[stage.NameDownload] = attempts
		return err
	})
	if err != nil {
		return err
	}

	run.outcome = imageset.NewOutcome(len(files))
	var valid []*imageset.Candidate
	err = c.phase(ctx, run, queue.PhaseValidating, func(ctx context.Context) error {
		survivors, err := c.deps.Dedupe.Detect(ctx, files, run.outcome)
		if err != nil {
			return err
		}
		valid, err = c.deps.Validator.Validate(ctx, survivors, run.outcome)
		if err != nil {
			return err
		}
		if run.outcome.ValidRemaining <= 0 || len(valid) == 0 {
			return services.Wrap(services.ErrValidationExhausted, "", "", "no valid images remaining", nil)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = c.phase(ctx, run, queue.PhaseCompressing, func(ctx context.Context) error {
		artifact, attempts, err := c.deps.Compress.Run(ctx, run.chunkID, valid, ws.ArtifactDir())
		run.attempts[stage.NameCompress] = attempts
		if err != nil {
			return err
		}
		if artifact.EntryCount() != run.outcome.ValidRemaining {
			return services.Wrap(services.ErrIntegrity, "", "archive",
				fmt.Sprintf("artifact has %d entries, expected %d", artifact.EntryCount(), run.outcome.ValidRemaining), nil)
		}
		run.artifact = artifact
		return nil
	})
	if err != nil {
		return err
	}

	return c.phase(ctx, run, queue.PhaseUploading, func(ctx context.Context) error {
		url, attempts, err := c.deps.Upload.Run(ctx, run.artifact)
		run.attempts[stage.NameUpload] = attempts
		run.url = url
		return err
	})
}

// phase records the phase, runs fn with phase-annotated context, and logs
// start and completion the same way for every phase.
func (c *Controller) phase(ctx context.Context, run *execution, phase queue.Phase, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run.phase = phase
	ctx = services.WithPhase(ctx, string(phase))
	logger := logging.WithContext(ctx, c.logger)
	c.deps.Status.Phase(ctx, run.chunkID, phase, run.attempts)

	logger.Info("phase started", logging.String(logging.FieldEventType, "phase_start"))
	start := time.Now()
	if err := fn(ctx); err != nil {
		return err
	}
	logger.Info("phase completed",
		logging.String(logging.FieldEventType, "phase_complete"),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (c *Controller) reject(ctx context.Context, logger *slog.Logger, chunkID string) (Result, error) {
	cfgErr := services.Wrap(services.ErrConfiguration, "", "", `metadata is missing required key "keyword"`, nil)
	message := services.FailureMessage("", cfgErr)
	logger.Error("chunk rejected",
		logging.String(logging.FieldEventType, "chunk_rejected"),
		logging.String("error_message", message),
	)
	if err := c.deps.Status.Reject(ctx, chunkID, status.Failure{Message: message}); err != nil {
		return Result{Status: queue.StatusFailed}, errors.Join(cfgErr, err)
	}
	c.notifyFailed(ctx, logger, chunkID, "", message)
	return Result{Status: queue.StatusFailed}, cfgErr
}

func (c *Controller) finishFailed(ctx context.Context, logger *slog.Logger, run *execution, runErr error, elapsed time.Duration) (Result, error) {
	message := services.FailureMessage(string(run.phase), runErr)
	result := Result{Status: queue.StatusFailed, Outcome: run.outcome, Artifact: run.artifact, Attempts: run.attempts}
	failure := status.Failure{Message: message, Phase: run.phase, Attempts: run.attempts}
	if run.outcome != nil {
		counts := run.outcome.Counts()
		failure.Counts = &counts
	}

	logger.Error("chunk failed",
		logging.String(logging.FieldEventType, "chunk_failed"),
		logging.String(logging.FieldPhase, string(run.phase)),
		logging.ErrorKind(runErr),
		logging.String("error_message", message),
		logging.Duration("elapsed", elapsed),
	)
	if err := c.deps.Status.Fail(ctx, run.chunkID, failure); err != nil {
		return result, errors.Join(runErr, err)
	}
	c.notifyFailed(ctx, logger, run.chunkID, run.keyword, message)
	return result, runErr
}

func (c *Controller) finishCompleted(ctx context.Context, logger *slog.Logger, run *execution, elapsed time.Duration) (Result, error) {
	counts := run.outcome.Counts()
	result := Result{
		Status:   queue.StatusCompleted,
		URL:      run.url,
		Outcome:  run.outcome,
		Artifact: run.artifact,
		Attempts: run.attempts,
	}
	err := c.deps.Status.Complete(ctx, run.chunkID, status.Result{
		URL:      run.url,
		Phase:    run.phase,
		Attempts: run.attempts,
		Counts:   counts,
		Artifact: queue.Artifact{
			SHA256:  run.artifact.SHA256,
			Bytes:   run.artifact.Bytes,
			Entries: run.artifact.EntryCount(),
		},
	})
	if err != nil {
		// A reaper may have failed the chunk while the upload finished.
		result.Status = queue.StatusFailed
		return result, err
	}
	logger.Info("chunk completed",
		logging.String(logging.FieldEventType, "chunk_completed"),
		logging.String("url", run.url),
		logging.Int("valid_remaining", counts.ValidRemaining),
		logging.Int("duplicates_removed", counts.DuplicatesRemoved),
		logging.Int("corrupted_removed", counts.CorruptedRemoved),
		logging.Duration("elapsed", elapsed),
	)
	if err := c.deps.Notifier.NotifyChunkCompleted(ctx, run.chunkID, run.keyword, run.url, counts); err != nil {
		logger.Debug("completion notification failed", logging.Error(err))
	}
	return result, nil
}

func (c *Controller) notifyFailed(ctx context.Context, logger *slog.Logger, chunkID, keyword, message string) {
	if err := c.deps.Notifier.NotifyChunkFailed(ctx, chunkID, keyword, message); err != nil {
		logger.Debug("failure notification failed", logging.Error(err))
	}
}

func (c *Controller) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.deps.TaskTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.deps.TaskTimeout)
}

// classifyInterruption turns an exceeded task budget into ErrTimeout. Parent
// cancellation (shutdown) is reported as-is.
func (c *Controller) classifyInterruption(parent, runCtx context.Context, phase queue.Phase, err error) error {
	if parent.Err() != nil || !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, services.ErrTimeout) {
		return err
	}
	return services.Wrap(services.ErrTimeout, "", string(phase),
		fmt.Sprintf("task time budget %s exceeded", c.deps.TaskTimeout), err)
}

func (c *Controller) startHeartbeat(ctx context.Context, chunkID string) func() {
	if c.deps.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.deps.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.deps.Status.Heartbeat(ctx, chunkID)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

type noopNotifier struct{}

func (noopNotifier) NotifyChunkCompleted(context.Context, string, string, string, queue.Counts) error {
	return nil
}
func (noopNotifier) NotifyChunkFailed(context.Context, string, string, string) error { return nil }
func (noopNotifier) NotifyWorkerSummary(context.Context, int, int, time.Duration) error {
	return nil
}
func (noopNotifier) TestNotification(context.Context) error { return nil }
