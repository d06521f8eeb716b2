package workflow_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkpipe/internal/crawler"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/pipeline"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/retry"
	"chunkpipe/internal/services"
	"chunkpipe/internal/testsupport"
	"chunkpipe/internal/workflow"
	"chunkpipe/internal/workspace"
)

// stubRunner claims and finishes chunks directly against the repository.
// Keywords listed in fail end FAILED; everything else COMPLETED.
type stubRunner struct {
	repo queue.Repository
	fail map[string]bool

	mu       sync.Mutex
	metadata map[string]map[string]any
}

func newStubRunner(repo queue.Repository, failing ...string) *stubRunner {
	fail := make(map[string]bool, len(failing))
	for _, k := range failing {
		fail[k] = true
	}
	return &stubRunner{repo: repo, fail: fail, metadata: map[string]map[string]any{}}
}

func (s *stubRunner) Run(ctx context.Context, chunkID string, metadata map[string]any) (pipeline.Result, error) {
	s.mu.Lock()
	s.metadata[chunkID] = metadata
	s.mu.Unlock()

	won, err := s.repo.CompareAndSetStatus(ctx, chunkID, queue.StatusPending, queue.StatusProcessing, queue.Patch{Owner: "stub"})
	if err != nil {
		return pipeline.Result{}, err
	}
	if !won {
		return pipeline.Result{}, services.Wrap(services.ErrAlreadyProcessing, "", "claim", chunkID, nil)
	}
	if s.fail[queue.KeywordFrom(metadata)] {
		_, err := s.repo.CompareAndSetStatus(ctx, chunkID, queue.StatusProcessing, queue.StatusFailed, queue.Patch{ErrorMessage: "downloading: ExternalToolError: boom"})
		if err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Result{Status: queue.StatusFailed}, fmt.Errorf("boom")
	}
	_, err = s.repo.CompareAndSetStatus(ctx, chunkID, queue.StatusProcessing, queue.StatusCompleted, queue.Patch{ResultURL: "file:///tmp/" + chunkID})
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{Status: queue.StatusCompleted, URL: "file:///tmp/" + chunkID}, nil
}

func (s *stubRunner) metadataFor(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[id]
}

// lostClaimRunner always reports that another worker holds the chunk.
type lostClaimRunner struct{}

func (lostClaimRunner) Run(_ context.Context, chunkID string, _ map[string]any) (pipeline.Result, error) {
	return pipeline.Result{}, services.Wrap(services.ErrAlreadyProcessing, "", "claim", chunkID, nil)
}

type summaryNotifier struct {
	mu        sync.Mutex
	summaries [][2]int
}

func (n *summaryNotifier) NotifyChunkCompleted(context.Context, string, string, string, queue.Counts) error {
	return nil
}
func (n *summaryNotifier) NotifyChunkFailed(context.Context, string, string, string) error { return nil }
func (n *summaryNotifier) NotifyWorkerSummary(_ context.Context, completed, failed int, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, [2]int{completed, failed})
	return nil
}
func (n *summaryNotifier) TestNotification(context.Context) error { return nil }

func (n *summaryNotifier) all() [][2]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][2]int(nil), n.summaries...)
}

func TestDrainProcessesEveryPendingChunk(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	repo := testsupport.MustOpenStore(t, cfg)
	testsupport.NewChunk(t, repo, "c-1", "otter")
	testsupport.NewChunk(t, repo, "c-2", "broken")
	testsupport.NewChunk(t, repo, "c-3", "heron")

	notifier := &summaryNotifier{}
	runner := newStubRunner(repo, "broken")
	mgr := workflow.NewManager(cfg, repo, runner, nil, notifier, logging.NewNop())

	completed, failed, err := mgr.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, [][2]int{{2, 1}}, notifier.all())

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats[queue.StatusCompleted])
	assert.Equal(t, 1, stats[queue.StatusFailed])
	assert.Zero(t, stats[queue.StatusPending])

	summary := mgr.Status(context.Background())
	assert.False(t, summary.Running)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.Queue.Total)
	assert.Equal(t, "boom", summary.LastError)
}

func TestDrainOnEmptyQueueSendsNoSummary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	repo := testsupport.MustOpenStore(t, cfg)
	notifier := &summaryNotifier{}
	mgr := workflow.NewManager(cfg, repo, newStubRunner(repo), nil, notifier, nil)

	completed, failed, err := mgr.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, completed)
	assert.Zero(t, failed)
	assert.Empty(t, notifier.all())
}

func TestProcessNextPassesStoredMetadataAndTaskID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	repo := testsupport.MustOpenStore(t, cfg)
	testsupport.NewChunk(t, repo, "m-1", "lynx")

	runner := newStubRunner(repo)
	mgr := workflow.NewManager(cfg, repo, runner, nil, nil, nil)

	processed, err := mgr.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	metadata := runner.metadataFor("m-1")
	require.NotNil(t, metadata)
	assert.Equal(t, "lynx", metadata["keyword"])
	assert.Equal(t, "task-m-1", metadata["task_id"])

	processed, err = mgr.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNextIgnoresLostClaims(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	repo := testsupport.MustOpenStore(t, cfg)
	testsupport.NewChunk(t, repo, "l-1", "wren")

	mgr := workflow.NewManager(cfg, repo, lostClaimRunner{}, nil, nil, nil)
	processed, err := mgr.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	summary := mgr.Status(context.Background())
	assert.Zero(t, summary.Completed)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, summary.LastError)
}

func TestWorkersDrainQueueAndStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.Workers = 3
	cfg.Workflow.QueuePollInterval = 0
	repo := testsupport.MustOpenStore(t, cfg)
	for i := 1; i <= 6; i++ {
		testsupport.NewChunk(t, repo, fmt.Sprintf("w-%d", i), "kite")
	}

	notifier := &summaryNotifier{}
	mgr := workflow.NewManager(cfg, repo, newStubRunner(repo), nil, notifier, nil)
	require.NoError(t, mgr.Start(context.Background()))
	require.Error(t, mgr.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool {
		stats, err := repo.Stats(context.Background())
		return err == nil && stats[queue.StatusCompleted] == 6
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, mgr.Status(context.Background()).Running)
	mgr.Stop()
	mgr.Stop()
	assert.False(t, mgr.Status(context.Background()).Running)
	assert.Equal(t, [][2]int{{6, 0}}, notifier.all())
}

func TestReaperFailsChunksWithExpiredHeartbeat(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	repo := testsupport.MustOpenStore(t, cfg)
	testsupport.NewChunk(t, repo, "r-1", "crane")
	testsupport.NewChunk(t, repo, "r-2", "crane")

	won, err := repo.CompareAndSetStatus(context.Background(), "r-1", queue.StatusPending, queue.StatusProcessing, queue.Patch{Owner: "gone"})
	require.NoError(t, err)
	require.True(t, won)
	time.Sleep(20 * time.Millisecond)

	reaper := workflow.NewReaper(repo, logging.NewNop(), time.Second, 5*time.Millisecond)
	reaped, err := reaper.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, reaped)

	chunk, err := repo.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, chunk.Status)
	assert.Equal(t, queue.WorkerLostMessage, chunk.ErrorMessage)

	pending, err := repo.Get(context.Background(), "r-2")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, pending.Status, "pending chunks are never reaped")
}

func TestReaperDisabledWithoutTimeout(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	repo := testsupport.MustOpenStore(t, cfg)
	reaper := workflow.NewReaper(repo, logging.NewNop(), 0, 0)
	reaped, err := reaper.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

// imageCrawler writes a few distinct images into the destination.
type imageCrawler struct {
	t *testing.T
}

func (c imageCrawler) Fetch(_ context.Context, req crawler.Request) ([]*imageset.Candidate, error) {
	for i := 0; i < 3; i++ {
		testsupport.WriteNoisePNG(c.t, filepath.Join(req.Dest, fmt.Sprintf("img-%d.png", i)), 64, 64, int64(i+1)*97)
	}
	return imageset.Scan(req.Dest)
}

func TestDrainWithPipelineController(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	repo := testsupport.MustOpenStore(t, cfg)
	testsupport.NewChunk(t, repo, "p-1", "seal")
	testsupport.NewChunk(t, repo, "p-2", "")

	controller, err := pipeline.NewFromConfig(cfg, repo, logging.NewNop(), pipeline.Options{
		Crawler: imageCrawler{t: t},
		Owner:   "worker-test",
		RetryOptions: []retry.Option{
			retry.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		},
	})
	require.NoError(t, err)

	workspaces := workspace.NewManager(cfg.Paths.WorkspaceRoot, logging.NewNop())
	mgr := workflow.NewManager(cfg, repo, controller, workspaces, nil, nil)
	completed, failed, err := mgr.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)

	done, err := repo.Get(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.Equal(t, 3, done.Counts.ValidRemaining)
	assert.Equal(t, "worker-test", done.Owner)

	rejected, err := repo.Get(context.Background(), "p-2")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, rejected.Status)
	assert.Contains(t, rejected.ErrorMessage, "ConfigurationError")

	health := mgr.Status(context.Background()).StageHealth
	assert.Len(t, health, 2)
}
