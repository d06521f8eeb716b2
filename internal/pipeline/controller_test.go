package pipeline_test

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkpipe/internal/blobstore"
	"chunkpipe/internal/config"
	"chunkpipe/internal/crawler"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/pipeline"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/retry"
	"chunkpipe/internal/services"
	"chunkpipe/internal/testsupport"
)

// fakeCrawler populates the destination with a fixed image set after an
// optional run of scripted failures.
type fakeCrawler struct {
	populate func(dest string)
	failures []error
	block    bool
	panics   any
	calls    atomic.Int32
}

func (f *fakeCrawler) Fetch(ctx context.Context, req crawler.Request) ([]*imageset.Candidate, error) {
	n := int(f.calls.Add(1))
	if f.panics != nil {
		panic(f.panics)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= len(f.failures) {
		return nil, f.failures[n-1]
	}
	f.populate(req.Dest)
	return imageset.Scan(req.Dest)
}

// flakyBlob fails the first failures uploads before delegating.
type flakyBlob struct {
	next     blobstore.Store
	failures int
	calls    atomic.Int32
}

func (f *flakyBlob) Upload(ctx context.Context, localPath, key string) (string, error) {
	if int(f.calls.Add(1)) <= f.failures {
		return "", services.Wrap(services.ErrTransientNetwork, "", "blob", "connection reset by peer", nil)
	}
	return f.next.Upload(ctx, localPath, key)
}

func (f *flakyBlob) Describe() string { return "flaky" }

type harness struct {
	cfg        *config.Config
	repo       queue.Repository
	crawler    *fakeCrawler
	blob       *flakyBlob
	controller *pipeline.Controller
	logPath    string
}

func newHarness(t *testing.T, c *fakeCrawler, uploadFailures int, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	repo := testsupport.MustOpenStore(t, cfg)
	local, err := blobstore.NewLocal(cfg.Blob.Dir, nil)
	require.NoError(t, err)
	blob := &flakyBlob{next: local, failures: uploadFailures}

	logPath := filepath.Join(cfg.Paths.LogDir, "test.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	require.NoError(t, err)

	controller, err := pipeline.NewFromConfig(cfg, repo, logger, pipeline.Options{
		Crawler: c,
		Blob:    blob,
		Owner:   "test-worker",
		RetryOptions: []retry.Option{
			retry.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		},
	})
	require.NoError(t, err)
	return &harness{cfg: cfg, repo: repo, crawler: c, blob: blob, controller: controller, logPath: logPath}
}

func (h *harness) chunk(t *testing.T, id string) *queue.Chunk {
	t.Helper()
	chunk, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	return chunk
}

func (h *harness) assertWorkspacesGone(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.Paths.WorkspaceRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace root must be empty after run")
}

func meta(keyword string) map[string]any {
	return map[string]any{"keyword": keyword}
}

// scenarioImages writes 7 distinct images, 2 byte-identical copies and one
// image below the minimum dimensions.
func scenarioImages(t *testing.T) func(dest string) {
	return func(dest string) {
		for i := 1; i <= 7; i++ {
			testsupport.WriteNoisePNG(t, filepath.Join(dest, fmt.Sprintf("img%02d.png", i)), 64, 64, int64(i*1000))
		}
		testsupport.CopyFile(t, filepath.Join(dest, "img01.png"), filepath.Join(dest, "img08.png"))
		testsupport.CopyFile(t, filepath.Join(dest, "img02.png"), filepath.Join(dest, "img09.png"))
		testsupport.WriteNoisePNG(t, filepath.Join(dest, "img10.png"), 4, 4, 77)
	}
}

func zipEntries(t *testing.T, url string) int {
	t.Helper()
	path := strings.TrimPrefix(url, "file://")
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	return len(zr.File)
}

func TestScenarioACompletesWithValidSubset(t *testing.T) {
	h := newHarness(t, &fakeCrawler{populate: scenarioImages(t)}, 0)
	testsupport.NewChunk(t, h.repo, "a-1", "red fox")

	result, err := h.controller.Run(context.Background(), "a-1", meta("red fox"))
	require.NoError(t, err)

	assert.Equal(t, queue.StatusCompleted, result.Status)
	assert.Equal(t, 10, result.Outcome.Downloaded)
	assert.Equal(t, 2, result.Outcome.DuplicatesRemoved)
	assert.Equal(t, 1, result.Outcome.CorruptedRemoved)
	assert.Equal(t, 7, result.Outcome.ValidRemaining)
	assert.Equal(t, 7, result.Artifact.EntryCount())
	assert.Equal(t, 7, zipEntries(t, result.URL))
	assert.True(t, strings.HasSuffix(result.URL, "/chunks/chunk_a-1.zip"), result.URL)

	stored := h.chunk(t, "a-1")
	assert.Equal(t, queue.StatusCompleted, stored.Status)
	assert.Equal(t, result.URL, stored.ResultURL)
	assert.Empty(t, stored.ErrorMessage)
	assert.Equal(t, 7, stored.Counts.ValidRemaining)
	assert.Equal(t, 7, stored.Artifact.Entries)
	assert.Equal(t, result.Artifact.SHA256, stored.Artifact.SHA256)
	h.assertWorkspacesGone(t)
}

func TestScenarioBRecoversFromTransientDownloadFailures(t *testing.T) {
	transient := services.Wrap(services.ErrTransientNetwork, "", "crawler", "connection reset", nil)
	c := &fakeCrawler{populate: scenarioImages(t), failures: []error{transient, transient}}
	h := newHarness(t, c, 0)
	testsupport.NewChunk(t, h.repo, "b-1", "owl")

	result, err := h.controller.Run(context.Background(), "b-1", meta("owl"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Attempts["download"])
	assert.EqualValues(t, 3, c.calls.Load())
	assert.Equal(t, 3, h.chunk(t, "b-1").Attempts["download"])
}

func TestDownloadExhaustionFailsChunk(t *testing.T) {
	transient := services.Wrap(services.ErrTransientNetwork, "", "crawler", "connection reset", nil)
	c := &fakeCrawler{populate: scenarioImages(t), failures: []error{transient, transient, transient, transient}}
	h := newHarness(t, c, 0)
	testsupport.NewChunk(t, h.repo, "b-2", "owl")

	result, err := h.controller.Run(context.Background(), "b-2", meta("owl"))
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrRetryExhausted)
	assert.Equal(t, queue.StatusFailed, result.Status)
	assert.EqualValues(t, 3, c.calls.Load())
	assert.True(t, strings.HasPrefix(h.chunk(t, "b-2").ErrorMessage, "downloading: RetryExhausted:"))
	h.assertWorkspacesGone(t)
}

func TestScenarioCMissingKeywordFailsWithoutWorkspace(t *testing.T) {
	c := &fakeCrawler{populate: scenarioImages(t)}
	h := newHarness(t, c, 0)
	testsupport.NewChunk(t, h.repo, "c-1", "")

	result, err := h.controller.Run(context.Background(), "c-1", map[string]any{"source": "test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrConfiguration)
	assert.Equal(t, queue.StatusFailed, result.Status)
	assert.Zero(t, c.calls.Load())

	stored := h.chunk(t, "c-1")
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "ConfigurationError")
	h.assertWorkspacesGone(t)
}

func TestScenarioDUploadExhaustionFailsAndCleansUp(t *testing.T) {
	h := newHarness(t, &fakeCrawler{populate: scenarioImages(t)}, 100)
	testsupport.NewChunk(t, h.repo, "d-1", "heron")

	result, err := h.controller.Run(context.Background(), "d-1", meta("heron"))
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrRetryExhausted)
	assert.Equal(t, services.KindRetryExhausted, services.KindOf(err))
	assert.Equal(t, queue.StatusFailed, result.Status)
	assert.EqualValues(t, 5, h.blob.calls.Load())

	stored := h.chunk(t, "d-1")
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "uploading: RetryExhausted:"), stored.ErrorMessage)
	assert.Contains(t, stored.ErrorMessage, "(upload)")
	assert.Equal(t, 5, stored.Attempts["upload"])
	h.assertWorkspacesGone(t)
}

func TestZeroValidImagesFailsBeforeCompression(t *testing.T) {
	tiny := func(dest string) {
		testsupport.WriteNoisePNG(t, filepath.Join(dest, "a.png"), 4, 4, 1)
		testsupport.WriteFile(t, filepath.Join(dest, "b.jpg"), 300)
	}
	h := newHarness(t, &fakeCrawler{populate: tiny}, 0)
	testsupport.NewChunk(t, h.repo, "v-1", "moth")

	result, err := h.controller.Run(context.Background(), "v-1", meta("moth"))
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrValidationExhausted)
	assert.Equal(t, queue.StatusFailed, result.Status)
	assert.Nil(t, result.Artifact)
	assert.Zero(t, h.blob.calls.Load())
	assert.Zero(t, result.Attempts["compress"])

	stored := h.chunk(t, "v-1")
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "validating: ValidationExhaustion:"), stored.ErrorMessage)
	assert.Equal(t, 2, stored.Counts.CorruptedRemoved)
	h.assertWorkspacesGone(t)
}

func TestStrictValidationAbortsChunk(t *testing.T) {
	h := newHarness(t, &fakeCrawler{populate: scenarioImages(t)}, 0,
		testsupport.WithValidation(config.ValidationStrict, config.ActionRemove))
	testsupport.NewChunk(t, h.repo, "s-1", "lynx")

	_, err := h.controller.Run(context.Background(), "s-1", meta("lynx"))
	assert.ErrorIs(t, err, services.ErrIntegrity)
	assert.Contains(t, h.chunk(t, "s-1").ErrorMessage, "validating: IntegrityError")
	h.assertWorkspacesGone(t)
}

func TestQuarantineKeepsRejectedFilesPerChunk(t *testing.T) {
	h := newHarness(t, &fakeCrawler{populate: scenarioImages(t)}, 0,
		testsupport.WithDedupeAction(config.ActionQuarantine),
		testsupport.WithValidation(config.ValidationLenient, config.ActionQuarantine))
	testsupport.NewChunk(t, h.repo, "q-1", "wren")

	_, err := h.controller.Run(context.Background(), "q-1", meta("wren"))
	require.NoError(t, err)
	base := filepath.Join(h.cfg.Paths.QuarantineDir, "q-1")
	assert.FileExists(t, filepath.Join(base, "exact_duplicate", "img08.png"))
	assert.FileExists(t, filepath.Join(base, "exact_duplicate", "img09.png"))
	assert.FileExists(t, filepath.Join(base, "undersized", "img10.png"))
	h.assertWorkspacesGone(t)
}

func TestClaimedChunkIsNotProcessedTwice(t *testing.T) {
	c := &fakeCrawler{populate: scenarioImages(t)}
	h := newHarness(t, c, 0)
	testsupport.NewChunk(t, h.repo, "x-1", "crow")
	ok, err := h.repo.CompareAndSetStatus(context.Background(), "x-1", queue.StatusPending, queue.StatusProcessing, queue.Patch{Owner: "other"})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.controller.Run(context.Background(), "x-1", meta("crow"))
	assert.ErrorIs(t, err, services.ErrAlreadyProcessing)
	assert.Zero(t, c.calls.Load())
	assert.Equal(t, queue.StatusProcessing, h.chunk(t, "x-1").Status)
	h.assertWorkspacesGone(t)
}

func TestConcurrentRunsClaimOnce(t *testing.T) {
	h := newHarness(t, &fakeCrawler{populate: scenarioImages(t)}, 0)
	testsupport.NewChunk(t, h.repo, "p-1", "bee")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.controller.Run(context.Background(), "p-1", meta("bee"))
		}(i)
	}
	wg.Wait()

	var succeeded, skipped int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, services.ErrAlreadyProcessing):
			skipped++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, queue.StatusCompleted, h.chunk(t, "p-1").Status)
}

func TestCrawlerPanicFailsChunkAndReleasesWorkspace(t *testing.T) {
	h := newHarness(t, &fakeCrawler{panics: "crawler bug"}, 0)
	testsupport.NewChunk(t, h.repo, "pp-1", "fox")

	var result pipeline.Result
	var err error
	require.NotPanics(t, func() {
		result, err = h.controller.Run(context.Background(), "pp-1", meta("fox"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrExternalTool)
	assert.Equal(t, queue.StatusFailed, result.Status)

	stored := h.chunk(t, "pp-1")
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "downloading: ExternalToolError:"), stored.ErrorMessage)
	assert.Contains(t, stored.ErrorMessage, "crawler bug")
	h.assertWorkspacesGone(t)
}

func TestTaskTimeoutFailsChunk(t *testing.T) {
	c := &fakeCrawler{block: true}
	h := newHarness(t, c, 0, testsupport.WithTaskTimeout(1))
	testsupport.NewChunk(t, h.repo, "t-1", "slow")

	start := time.Now()
	result, err := h.controller.Run(context.Background(), "t-1", meta("slow"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.ErrorIs(t, err, services.ErrTimeout)
	assert.Equal(t, queue.StatusFailed, result.Status)

	stored := h.chunk(t, "t-1")
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "downloading: Timeout:"), stored.ErrorMessage)
	h.assertWorkspacesGone(t)
}

func TestLogLinesCarryChunkContext(t *testing.T) {
	h := newHarness(t, &fakeCrawler{populate: scenarioImages(t)}, 0)
	testsupport.NewChunk(t, h.repo, "l-1", "kite")

	_, err := h.controller.Run(context.Background(), "l-1", map[string]any{"keyword": "kite", "task_id": "task-77"})
	require.NoError(t, err)

	f, err := os.Open(h.logPath)
	require.NoError(t, err)
	defer f.Close()
	phases := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		if entry["event_type"] != "phase_start" {
			continue
		}
		assert.Equal(t, "task-77", entry["task_id"])
		assert.Equal(t, "l-1", entry["chunk_id"])
		phases[fmt.Sprint(entry["phase"])] = true
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, map[string]bool{"downloading": true, "validating": true, "compressing": true, "uploading": true}, phases)
}
