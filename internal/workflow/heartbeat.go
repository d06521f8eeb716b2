package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chunkpipe/internal/logging"
	"chunkpipe/internal/queue"
)

// Reaper fails PROCESSING chunks whose heartbeat has expired.
type Reaper struct {
	repo     queue.Repository
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewReaper creates a reaper that scans every interval and treats heartbeats
// older than timeout as lost.
func NewReaper(repo queue.Repository, logger *slog.Logger, interval, timeout time.Duration) *Reaper {
	if interval <= 0 {
		interval = timeout
	}
	return &Reaper{
		repo:     repo,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// ReapOnce performs a single scan and reports how many chunks were failed.
func (r *Reaper) ReapOnce(ctx context.Context) (int64, error) {
	if r.timeout <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.timeout)
	reaped, err := r.repo.ReapStale(ctx, cutoff, queue.WorkerLostMessage)
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		r.logger.Warn("failed chunks with expired heartbeats",
			logging.Int64("count", reaped),
			logging.String(logging.FieldEventType, "heartbeat_reaped"),
		)
	}
	return reaped, nil
}

// StartLoop runs ReapOnce every interval until ctx is cancelled.
func (r *Reaper) StartLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if r.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("reap stale chunks failed; stuck chunks may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "heartbeat_reap_failed"),
				logging.Hint("check status store access"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
