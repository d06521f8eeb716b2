package workflow

import (
	"context"
	"time"

	"chunkpipe/internal/logging"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/stage"
)

// StatusSummary represents lightweight worker pool diagnostics.
type StatusSummary struct {
	Running     bool
	Workers     int
	Uptime      time.Duration
	Completed   int
	Failed      int
	LastError   string
	LastChunkID string
	Queue       queue.HealthSummary
	StageHealth []stage.Health
}

// healthReporter is implemented by runners that expose stage readiness.
type healthReporter interface {
	Health(ctx context.Context) []stage.Health
}

// Status returns the latest worker pool information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:     m.running,
		Workers:     m.workers,
		Completed:   m.completed,
		Failed:      m.failed,
		LastChunkID: m.lastChunk,
	}
	if m.running {
		summary.Uptime = time.Since(m.startedAt)
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	stats, err := m.repo.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	} else {
		summary.Queue = queue.Summarize(stats)
	}
	if reporter, ok := m.runner.(healthReporter); ok {
		summary.StageHealth = reporter.Health(ctx)
	}
	return summary
}

func (m *Manager) record(chunkID string, completed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChunk = chunkID
	if completed {
		m.completed++
		return
	}
	m.failed++
	if err != nil {
		m.lastErr = err
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) counts() (completed, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completed, m.failed
}
