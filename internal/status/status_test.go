package status_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkpipe/internal/queue"
	"chunkpipe/internal/retry"
	"chunkpipe/internal/status"
)

// flakyRepo fails a configurable number of writes before delegating.
type flakyRepo struct {
	queue.Repository
	mu            sync.Mutex
	casFailures   int
	phaseFailures bool
	casCalls      int
}

func (f *flakyRepo) CompareAndSetStatus(ctx context.Context, id string, from, to queue.Status, patch queue.Patch) (bool, error) {
	f.mu.Lock()
	f.casCalls++
	fail := f.casFailures > 0 && to.IsTerminal()
	if fail {
		f.casFailures--
	}
	f.mu.Unlock()
	if fail {
		return false, errors.New("database is unavailable")
	}
	return f.Repository.CompareAndSetStatus(ctx, id, from, to, patch)
}

func (f *flakyRepo) UpdatePhase(ctx context.Context, id string, phase queue.Phase, attempts map[string]int) error {
	if f.phaseFailures {
		return errors.New("database is unavailable")
	}
	return f.Repository.UpdatePhase(ctx, id, phase, attempts)
}

func newManager(t *testing.T, repo queue.Repository) *status.Manager {
	policy := retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	noSleep := retry.WithSleeper(func(context.Context, time.Duration) error { return nil })
	return status.NewManager(repo, policy, "worker-1", nil, noSleep)
}

func openRepo(t *testing.T) queue.Repository {
	repo, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "chunks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seed(t *testing.T, repo queue.Repository, id string) {
	_, err := repo.Create(context.Background(), queue.NewChunk{ID: id, Metadata: map[string]any{"keyword": "k"}})
	require.NoError(t, err)
}

func TestClaimOnlyOnce(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "c1")
	mgr := newManager(t, repo)

	ok, err := mgr.Claim(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.Claim(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	chunk, err := repo.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", chunk.Owner)
}

func TestTerminalWriteIsRetried(t *testing.T) {
	repo := &flakyRepo{Repository: openRepo(t), casFailures: 3}
	seed(t, repo, "c2")
	mgr := newManager(t, repo)

	ok, err := mgr.Claim(context.Background(), "c2")
	require.NoError(t, err)
	require.True(t, ok)

	err = mgr.Complete(context.Background(), "c2", status.Result{URL: "file:///x.zip", Phase: queue.PhaseUploading})
	require.NoError(t, err)

	chunk, err := repo.Get(context.Background(), "c2")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, chunk.Status)
	assert.Equal(t, "file:///x.zip", chunk.ResultURL)
	assert.Equal(t, 5, repo.casCalls)
}

func TestTerminalWriteSurvivesCancelledContext(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "c3")
	mgr := newManager(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	ok, err := mgr.Claim(ctx, "c3")
	require.NoError(t, err)
	require.True(t, ok)
	cancel()

	require.NoError(t, mgr.Fail(ctx, "c3", status.Failure{Message: "downloading: Timeout: deadline exceeded", Phase: queue.PhaseDownloading}))
	chunk, err := repo.Get(context.Background(), "c3")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, chunk.Status)
	assert.Equal(t, "downloading: Timeout: deadline exceeded", chunk.ErrorMessage)
}

func TestFailWithoutClaimReportsNotClaimed(t *testing.T) {
	repo := openRepo(t)
	seed(t, repo, "c4")
	mgr := newManager(t, repo)

	err := mgr.Fail(context.Background(), "c4", status.Failure{Message: "x"})
	assert.ErrorIs(t, err, status.ErrNotClaimed)

	require.NoError(t, mgr.Reject(context.Background(), "c4", status.Failure{Message: "pipeline: ConfigurationError: keyword missing"}))
	chunk, err := repo.Get(context.Background(), "c4")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, chunk.Status)
}

func TestPhaseFailuresAreTolerated(t *testing.T) {
	repo := &flakyRepo{Repository: openRepo(t), phaseFailures: true}
	seed(t, repo, "c5")
	mgr := newManager(t, repo)

	ok, err := mgr.Claim(context.Background(), "c5")
	require.NoError(t, err)
	require.True(t, ok)

	assert.NotPanics(t, func() {
		mgr.Phase(context.Background(), "c5", queue.PhaseValidating, map[string]int{"download": 1})
	})
	require.NoError(t, mgr.Fail(context.Background(), "c5", status.Failure{Message: "x"}))
}
