package dedupe_test

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkpipe/internal/dedupe"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/testsupport"
)

func scan(t *testing.T, dir string) []*imageset.Candidate {
	t.Helper()
	candidates, err := imageset.Scan(dir)
	require.NoError(t, err)
	return candidates
}

func names(candidates []*imageset.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Name)
	}
	return out
}

// writeVariant re-encodes src with one pixel changed so the bytes differ but
// the image is visually the same.
func writeVariant(t *testing.T, src, dst string) {
	t.Helper()
	f, err := os.Open(src)
	require.NoError(t, err)
	img, err := png.Decode(f)
	f.Close()
	require.NoError(t, err)

	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	out.Set(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 0xff})

	w, err := os.Create(dst)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, png.Encode(w, out))
}

func TestExactDuplicatesCollapseToFirstName(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteNoisePNG(t, filepath.Join(dir, "m.png"), 64, 64, 1)
	testsupport.CopyFile(t, filepath.Join(dir, "m.png"), filepath.Join(dir, "z.png"))
	testsupport.CopyFile(t, filepath.Join(dir, "m.png"), filepath.Join(dir, "a.png"))

	candidates := scan(t, dir)
	// Reverse the input to show order does not pick the canonical file.
	for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}

	outcome := imageset.NewOutcome(len(candidates))
	detector := dedupe.New(5, imageset.Disposer{Action: imageset.ActionRemove}, nil)
	survivors, err := detector.Detect(context.Background(), candidates, outcome)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.png"}, names(survivors))
	assert.Equal(t, 2, outcome.DuplicatesRemoved)
	assert.Equal(t, 1, outcome.ValidRemaining)
	for _, r := range outcome.Removed {
		assert.Equal(t, imageset.KindExactDuplicate, r.Kind)
		assert.Equal(t, "a.png", r.Canonical)
	}
	assert.NoFileExists(t, filepath.Join(dir, "m.png"))
	assert.NoFileExists(t, filepath.Join(dir, "z.png"))
}

func TestNearDuplicatesWithinThresholdAreFlagged(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteNoisePNG(t, filepath.Join(dir, "a.png"), 64, 64, 7)
	writeVariant(t, filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png"))
	testsupport.WriteNoisePNG(t, filepath.Join(dir, "c.png"), 64, 64, 99)

	outcome := imageset.NewOutcome(3)
	detector := dedupe.New(5, imageset.Disposer{Action: imageset.ActionReportOnly}, nil)
	survivors, err := detector.Detect(context.Background(), scan(t, dir), outcome)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.png", "c.png"}, names(survivors))
	require.Len(t, outcome.Removed, 1)
	assert.Equal(t, "b.png", outcome.Removed[0].Name)
	assert.Equal(t, imageset.KindNearDuplicate, outcome.Removed[0].Kind)
	assert.Equal(t, imageset.ActionReportOnly, outcome.Removed[0].Action)
	assert.FileExists(t, filepath.Join(dir, "b.png"), "report_only must keep the file")
}

func TestDistinctImagesAboveThresholdSurvive(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"a.png", "b.png", "c.png", "d.png"} {
		testsupport.WriteNoisePNG(t, filepath.Join(dir, name), 64, 64, int64(100+i*31))
	}

	outcome := imageset.NewOutcome(4)
	survivors, err := dedupe.New(5, imageset.Disposer{Action: imageset.ActionRemove}, nil).
		Detect(context.Background(), scan(t, dir), outcome)
	require.NoError(t, err)
	assert.Len(t, survivors, 4)
	assert.Zero(t, outcome.DuplicatesRemoved)
}

func TestDetectIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteNoisePNG(t, filepath.Join(dir, "a.png"), 64, 64, 3)
	writeVariant(t, filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png"))
	testsupport.CopyFile(t, filepath.Join(dir, "a.png"), filepath.Join(dir, "c.png"))
	testsupport.WriteNoisePNG(t, filepath.Join(dir, "d.png"), 64, 64, 4)

	detector := dedupe.New(5, imageset.Disposer{Action: imageset.ActionRemove}, nil)
	first := imageset.NewOutcome(4)
	survivors, err := detector.Detect(context.Background(), scan(t, dir), first)
	require.NoError(t, err)
	require.Equal(t, 2, first.DuplicatesRemoved)

	second := imageset.NewOutcome(len(survivors))
	again, err := detector.Detect(context.Background(), scan(t, dir), second)
	require.NoError(t, err)
	assert.Zero(t, second.DuplicatesRemoved)
	assert.Equal(t, names(survivors), names(again))
}

func TestQuarantineMovesDuplicates(t *testing.T) {
	dir := t.TempDir()
	quarantine := t.TempDir()
	testsupport.WriteNoisePNG(t, filepath.Join(dir, "a.png"), 32, 32, 5)
	testsupport.CopyFile(t, filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png"))

	outcome := imageset.NewOutcome(2)
	disposer := imageset.Disposer{Action: imageset.ActionQuarantine, QuarantineDir: quarantine}
	_, err := dedupe.New(5, disposer, nil).Detect(context.Background(), scan(t, dir), outcome)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, "b.png"))
	assert.FileExists(t, filepath.Join(quarantine, "exact_duplicate", "b.png"))
}

func TestUndecodableFilesPassThrough(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(dir, "broken.jpg"), 64)
	testsupport.WriteNoisePNG(t, filepath.Join(dir, "ok.png"), 32, 32, 9)

	outcome := imageset.NewOutcome(2)
	survivors, err := dedupe.New(5, imageset.Disposer{Action: imageset.ActionRemove}, nil).
		Detect(context.Background(), scan(t, dir), outcome)
	require.NoError(t, err)
	assert.Equal(t, []string{"broken.jpg", "ok.png"}, names(survivors))
}

func TestDetectHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteNoisePNG(t, filepath.Join(dir, "a.png"), 16, 16, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dedupe.New(5, imageset.Disposer{Action: imageset.ActionRemove}, nil).
		Detect(ctx, scan(t, dir), imageset.NewOutcome(1))
	assert.ErrorIs(t, err, context.Canceled)
}
