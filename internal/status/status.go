// Package status wraps the chunk repository with the lifecycle operations the
// pipeline needs: an atomic claim, best-effort phase updates, and terminal
// writes that are retried until they land.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chunkpipe/internal/logging"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/retry"
)

// ErrNotClaimed is returned when a terminal write finds the chunk no longer
// in the expected state, for example after a reaper failed it.
var ErrNotClaimed = errors.New("chunk not held by this execution")

// terminalWriteTimeout bounds each terminal write attempt once the caller's
// context has already been cancelled.
const terminalWriteTimeout = 30 * time.Second

// Result is persisted with a COMPLETED transition.
type Result struct {
	URL      string
	Phase    queue.Phase
	Attempts map[string]int
	Counts   queue.Counts
	Artifact queue.Artifact
}

// Failure is persisted with a FAILED transition.
type Failure struct {
	Message  string
	Phase    queue.Phase
	Attempts map[string]int
	Counts   *queue.Counts
}

// Manager is the only writer of chunk status during pipeline execution.
type Manager struct {
	repo     queue.Repository
	terminal *retry.Executor
	owner    string
	logger   *slog.Logger
}

// NewManager builds a Manager. owner identifies this worker in claimed records.
func NewManager(repo queue.Repository, policy retry.Policy, owner string, logger *slog.Logger, opts ...retry.Option) *Manager {
	logger = logging.NewComponentLogger(logger, "status")
	opts = append([]retry.Option{retry.WithLogger(logger)}, opts...)
	return &Manager{
		repo:     repo,
		terminal: retry.New("status", policy, isStoreRetriable, opts...),
		owner:    owner,
		logger:   logger,
	}
}

// Repository exposes the backing store for read paths.
func (m *Manager) Repository() queue.Repository { return m.repo }

// Claim atomically moves id from PENDING to PROCESSING. It returns false when
// another execution already owns (or finished) the chunk.
func (m *Manager) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := m.repo.CompareAndSetStatus(ctx, id, queue.StatusPending, queue.StatusProcessing, queue.Patch{Owner: m.owner})
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return ok, nil
}

// Phase records the current phase. Store failures are logged and swallowed
// because phase tracking is observability only.
func (m *Manager) Phase(ctx context.Context, id string, phase queue.Phase, attempts map[string]int) {
	if err := m.repo.UpdatePhase(ctx, id, phase, attempts); err != nil {
		logging.WithContext(ctx, m.logger).Warn("phase update failed; continuing",
			logging.String("target_phase", string(phase)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "status_degraded"),
		)
	}
}

// Heartbeat refreshes the liveness timestamp. Failures are logged only.
func (m *Manager) Heartbeat(ctx context.Context, id string) {
	if err := m.repo.Heartbeat(ctx, id); err != nil {
		logging.WithContext(ctx, m.logger).Warn("heartbeat failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "status_degraded"),
		)
	}
}

// Complete records the COMPLETED outcome.
func (m *Manager) Complete(ctx context.Context, id string, result Result) error {
	counts := result.Counts
	artifact := result.Artifact
	return m.writeTerminal(ctx, id, queue.StatusProcessing, queue.StatusCompleted, queue.Patch{
		ResultURL: result.URL,
		Phase:     result.Phase,
		Attempts:  result.Attempts,
		Counts:    &counts,
		Artifact:  &artifact,
	})
}

// Fail records the FAILED outcome for a claimed chunk.
func (m *Manager) Fail(ctx context.Context, id string, failure Failure) error {
	return m.writeTerminal(ctx, id, queue.StatusProcessing, queue.StatusFailed, failurePatch(failure))
}

// Reject fails a chunk that was never claimed, such as one whose metadata is
// unusable. A chunk already claimed elsewhere is left alone.
func (m *Manager) Reject(ctx context.Context, id string, failure Failure) error {
	return m.writeTerminal(ctx, id, queue.StatusPending, queue.StatusFailed, failurePatch(failure))
}

func failurePatch(failure Failure) queue.Patch {
	message := failure.Message
	if message == "" {
		message = "unknown failure"
	}
	return queue.Patch{
		ErrorMessage: message,
		Phase:        failure.Phase,
		Attempts:     failure.Attempts,
		Counts:       failure.Counts,
	}
}

// writeTerminal keeps retrying store errors. It detaches from ctx cancellation
// so a timed-out run still records its outcome.
func (m *Manager) writeTerminal(ctx context.Context, id string, from, to queue.Status, patch queue.Patch) error {
	base := context.WithoutCancel(ctx)
	logger := logging.WithContext(ctx, m.logger)

	var won bool
	attempts, err := m.terminal.Do(base, func(context.Context) error {
		attemptCtx, cancel := context.WithTimeout(base, terminalWriteTimeout)
		defer cancel()
		ok, err := m.repo.CompareAndSetStatus(attemptCtx, id, from, to, patch)
		if err != nil {
			return err
		}
		won = ok
		return nil
	})
	if err != nil {
		logger.Error("terminal status write failed",
			logging.String("status", string(to)),
			logging.Int("attempts", attempts),
			logging.Error(err),
			logging.String(logging.FieldEventType, "status_write_failed"),
		)
		return fmt.Errorf("record %s for %s: %w", to, id, err)
	}
	if !won {
		return fmt.Errorf("%w: %s expected %s", ErrNotClaimed, id, from)
	}
	logger.Info("chunk status recorded", logging.String("status", string(to)))
	return nil
}

func isStoreRetriable(err error) bool {
	return err != nil &&
		!errors.Is(err, queue.ErrInvalidTransition) &&
		!errors.Is(err, context.Canceled)
}
