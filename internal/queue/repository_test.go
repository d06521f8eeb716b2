package queue_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkpipe/internal/queue"
)

type backendFactory func(t *testing.T) queue.Repository

func backends() map[string]backendFactory {
	factories := map[string]backendFactory{
		"sqlite": func(t *testing.T) queue.Repository {
			store, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "chunks.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"bolt": func(t *testing.T) queue.Repository {
			store, err := queue.OpenBolt(filepath.Join(t.TempDir(), "chunks.bolt"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
	if dsn := os.Getenv("CHUNKPIPE_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) queue.Repository {
			store, err := queue.OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}
	}
	return factories
}

func forEachBackend(t *testing.T, fn func(t *testing.T, repo queue.Repository)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func uniqueID(t *testing.T, suffix string) string {
	return t.Name() + "-" + suffix + "-" + time.Now().Format("150405.000000000")
}

func TestCreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo queue.Repository) {
		ctx := context.Background()
		id := uniqueID(t, "a")
		created, err := repo.Create(ctx, queue.NewChunk{
			ID:       id,
			TaskID:   "task-1",
			Metadata: map[string]any{"keyword": " red fox ", "source": "bing"},
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, created.Status)
		assert.Equal(t, "red fox", created.Keyword)

		fetched, err := repo.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, fetched)
		assert.Equal(t, "task-1", fetched.TaskID)
		assert.Equal(t, "bing", fetched.Metadata["source"])
		assert.False(t, fetched.CreatedAt.IsZero())

		missing, err := repo.Get(ctx, "does-not-exist")
		require.NoError(t, err)
		assert.Nil(t, missing)

		_, err = repo.Create(ctx, queue.NewChunk{ID: id})
		assert.ErrorIs(t, err, queue.ErrDuplicateChunk)
	})
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo queue.Repository) {
		ctx := context.Background()
		id := uniqueID(t, "race")
		_, err := repo.Create(ctx, queue.NewChunk{ID: id, Metadata: map[string]any{"keyword": "cats"}})
		require.NoError(t, err)

		const workers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := repo.CompareAndSetStatus(ctx, id, queue.StatusPending, queue.StatusProcessing, queue.Patch{Owner: "w"})
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())

		chunk, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusProcessing, chunk.Status)
		assert.NotNil(t, chunk.StartedAt)
		assert.NotNil(t, chunk.LastHeartbeat)
	})
}

func TestTerminalTransitionPersistsResult(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo queue.Repository) {
		ctx := context.Background()
		id := uniqueID(t, "done")
		_, err := repo.Create(ctx, queue.NewChunk{ID: id, Metadata: map[string]any{"keyword": "owls"}})
		require.NoError(t, err)

		ok, err := repo.CompareAndSetStatus(ctx, id, queue.StatusPending, queue.StatusProcessing, queue.Patch{})
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, repo.UpdatePhase(ctx, id, queue.PhaseUploading, map[string]int{"download": 2}))

		ok, err = repo.CompareAndSetStatus(ctx, id, queue.StatusProcessing, queue.StatusCompleted, queue.Patch{
			ResultURL: "file:///blobs/chunk_x.zip",
			Attempts:  map[string]int{"download": 2, "upload": 1},
			Counts:    &queue.Counts{Downloaded: 10, DuplicatesRemoved: 2, CorruptedRemoved: 1, ValidRemaining: 7},
			Artifact:  &queue.Artifact{SHA256: "abc", Bytes: 1234, Entries: 7},
		})
		require.NoError(t, err)
		require.True(t, ok)

		chunk, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, chunk.Status)
		assert.Equal(t, queue.PhaseUploading, chunk.Phase)
		assert.Equal(t, "file:///blobs/chunk_x.zip", chunk.ResultURL)
		assert.Equal(t, 2, chunk.Attempts["download"])
		assert.Equal(t, 7, chunk.Counts.ValidRemaining)
		assert.Equal(t, 7, chunk.Artifact.Entries)
		assert.NotNil(t, chunk.FinishedAt)

		// A terminal chunk never moves again.
		ok, err = repo.CompareAndSetStatus(ctx, id, queue.StatusProcessing, queue.StatusFailed, queue.Patch{ErrorMessage: "late"})
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = repo.CompareAndSetStatus(ctx, id, queue.StatusCompleted, queue.StatusPending, queue.Patch{})
		assert.ErrorIs(t, err, queue.ErrInvalidTransition)
	})
}

func TestListStatsAndNextPending(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo queue.Repository) {
		ctx := context.Background()
		first := uniqueID(t, "1")
		_, err := repo.Create(ctx, queue.NewChunk{ID: first, Metadata: map[string]any{"keyword": "a"}})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		second := uniqueID(t, "2")
		_, err = repo.Create(ctx, queue.NewChunk{ID: second, Metadata: map[string]any{"keyword": "b"}})
		require.NoError(t, err)

		next, err := repo.NextPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, first, next.ID)

		ok, err := repo.CompareAndSetStatus(ctx, first, queue.StatusPending, queue.StatusFailed, queue.Patch{ErrorMessage: "pipeline: ConfigurationError: x"})
		require.NoError(t, err)
		require.True(t, ok)

		failed, err := repo.List(ctx, queue.StatusFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "pipeline: ConfigurationError: x", failed[0].ErrorMessage)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats[queue.StatusFailed])
		assert.Equal(t, 1, stats[queue.StatusPending])
		assert.Equal(t, 2, queue.Summarize(stats).Total)
	})
}

func TestReapStaleFailsExpiredProcessing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo queue.Repository) {
		ctx := context.Background()
		id := uniqueID(t, "stale")
		_, err := repo.Create(ctx, queue.NewChunk{ID: id, Metadata: map[string]any{"keyword": "a"}})
		require.NoError(t, err)
		ok, err := repo.CompareAndSetStatus(ctx, id, queue.StatusPending, queue.StatusProcessing, queue.Patch{})
		require.NoError(t, err)
		require.True(t, ok)

		n, err := repo.ReapStale(ctx, time.Now().Add(-time.Hour), queue.WorkerLostMessage)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = repo.ReapStale(ctx, time.Now().Add(time.Minute), queue.WorkerLostMessage)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		chunk, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, chunk.Status)
		assert.Equal(t, queue.WorkerLostMessage, chunk.ErrorMessage)
	})
}

func TestCanTransition(t *testing.T) {
	assert.True(t, queue.CanTransition(queue.StatusPending, queue.StatusProcessing))
	assert.True(t, queue.CanTransition(queue.StatusPending, queue.StatusFailed))
	assert.True(t, queue.CanTransition(queue.StatusProcessing, queue.StatusCompleted))
	assert.False(t, queue.CanTransition(queue.StatusProcessing, queue.StatusPending))
	assert.False(t, queue.CanTransition(queue.StatusFailed, queue.StatusProcessing))
	assert.False(t, queue.CanTransition(queue.StatusPending, queue.StatusCompleted))

	status, ok := queue.ParseStatus("failed")
	assert.True(t, ok)
	assert.Equal(t, queue.StatusFailed, status)
}
