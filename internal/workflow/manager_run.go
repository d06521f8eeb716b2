package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chunkpipe/internal/logging"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/services"
)

// idleBackoff is used between polls when the repository fails.
const idleBackoff = 5 * time.Second

// Start sweeps stale workspaces and launches the workers and the reaper.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.runner == nil {
		m.mu.Unlock()
		return errors.New("workflow runner not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.startedAt = time.Now()
	m.wg.Add(m.workers + 1)
	m.mu.Unlock()

	m.sweepWorkspaces(runCtx)

	go m.reaper.StartLoop(runCtx, &m.wg)
	for i := 0; i < m.workers; i++ {
		logger := m.logger.With(logging.Int("worker", i+1))
		go m.runWorker(runCtx, logger)
	}
	m.logger.Info("worker pool started",
		logging.Int("workers", m.workers),
		logging.Duration("poll_interval", m.pollInterval),
		logging.String(logging.FieldEventType, "workers_started"),
	)
	return nil
}

// Stop cancels the workers, waits for in-flight chunks to reach a terminal
// status, and publishes a summary notification.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	started := m.startedAt
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	completed, failed := m.counts()
	m.sendSummary(completed, failed, time.Since(started))
}

// Drain processes PENDING chunks until none remain, then returns how many
// completed and failed. Infrastructure errors stop the drain.
func (m *Manager) Drain(ctx context.Context) (completed, failed int, err error) {
	if m.runner == nil {
		return 0, 0, errors.New("workflow runner not configured")
	}
	start := time.Now()
	beforeCompleted, beforeFailed := m.counts()
	m.sweepWorkspaces(ctx)
	if _, err := m.reaper.ReapOnce(ctx); err != nil {
		m.logger.Warn("reap stale chunks failed", logging.Error(err))
	}
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		var processed bool
		processed, err = m.ProcessNext(ctx)
		if err != nil || !processed {
			break
		}
	}
	afterCompleted, afterFailed := m.counts()
	completed, failed = afterCompleted-beforeCompleted, afterFailed-beforeFailed
	m.sendSummary(completed, failed, time.Since(start))
	return completed, failed, err
}

// ProcessNext runs the oldest PENDING chunk, if any. processed is false when
// the queue is empty. A chunk that ends FAILED is not an error here; err is
// reserved for repository or claim failures.
func (m *Manager) ProcessNext(ctx context.Context) (processed bool, err error) {
	chunk, err := m.repo.NextPending(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch next pending chunk: %w", err)
	}
	if chunk == nil {
		return false, nil
	}

	result, runErr := m.runner.Run(ctx, chunk.ID, metadataFor(chunk))
	switch {
	case errors.Is(runErr, services.ErrAlreadyProcessing):
		return true, nil
	case result.Status == queue.StatusCompleted:
		m.record(chunk.ID, true, nil)
		return true, nil
	case result.Status == queue.StatusFailed:
		m.record(chunk.ID, false, runErr)
		return true, nil
	case runErr != nil:
		m.setLastError(runErr)
		return true, runErr
	default:
		return true, nil
	}
}

func (m *Manager) runWorker(ctx context.Context, logger *slog.Logger) {
	defer m.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := m.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("worker iteration failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.Hint("check status store access"),
			)
			m.wait(ctx, idleBackoff)
			continue
		}
		if !processed {
			m.wait(ctx, m.pollInterval)
		}
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (m *Manager) sweepWorkspaces(ctx context.Context) {
	if m.workspaces == nil {
		return
	}
	age := m.cfg.Workflow.StaleWorkspaceAge()
	if age <= 0 {
		return
	}
	result := m.workspaces.Sweep(ctx, age)
	if len(result.Removed) > 0 || len(result.Errors) > 0 {
		m.logger.Info("stale workspace sweep finished",
			logging.Int("removed", len(result.Removed)),
			logging.Int("skipped", len(result.Skipped)),
			logging.Int("errors", len(result.Errors)),
			logging.String(logging.FieldEventType, "workspace_sweep"),
		)
	}
}

func (m *Manager) sendSummary(completed, failed int, elapsed time.Duration) {
	if completed+failed == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.notifier.NotifyWorkerSummary(ctx, completed, failed, elapsed); err != nil {
		m.logger.Warn("worker summary notification failed", logging.Error(err))
	}
}

// metadataFor rebuilds the invocation metadata from the stored record.
func metadataFor(chunk *queue.Chunk) map[string]any {
	metadata := make(map[string]any, len(chunk.Metadata)+1)
	for k, v := range chunk.Metadata {
		metadata[k] = v
	}
	if _, ok := metadata["task_id"]; !ok && chunk.TaskID != "" {
		metadata["task_id"] = chunk.TaskID
	}
	return metadata
}
