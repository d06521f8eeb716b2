package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"chunkpipe/internal/crawler"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/retry"
	"chunkpipe/internal/services"
)

// Names used for attempt counters, retry labels, and health records.
const (
	NameDownload = "download"
	NameCompress = "compress"
	NameUpload   = "upload"
)

// Download fetches candidate images with retries on transient network errors.
type Download struct {
	crawler     crawler.Crawler
	targetCount int
	exec        *retry.Executor
	logger      *slog.Logger
}

// NewDownload builds the download stage.
func NewDownload(c crawler.Crawler, targetCount int, policy retry.Policy, logger *slog.Logger, opts ...retry.Option) *Download {
	logger = logging.NewComponentLogger(logger, NameDownload)
	opts = append([]retry.Option{retry.WithLogger(logger)}, opts...)
	return &Download{
		crawler:     c,
		targetCount: targetCount,
		exec:        retry.New(NameDownload, policy, services.IsRetriableNetwork, opts...),
		logger:      logger,
	}
}

// Run populates dest with images for keyword. dest is emptied before every
// attempt so a retry never sees files from a failed run. The attempt count is
// returned alongside the result.
func (d *Download) Run(ctx context.Context, keyword, dest string) ([]*imageset.Candidate, int, error) {
	return retry.Run(ctx, d.exec, func(ctx context.Context) ([]*imageset.Candidate, error) {
		if err := resetDir(dest); err != nil {
			return nil, services.Wrap(services.ErrFilesystem, "", NameDownload, "reset destination", err)
		}
		return d.crawler.Fetch(ctx, crawler.Request{Keyword: keyword, TargetCount: d.targetCount, Dest: dest})
	})
}

// HealthCheck verifies the crawler binary can be found.
func (d *Download) HealthCheck(context.Context) Health {
	if d.crawler == nil {
		return Unhealthy(NameDownload, "crawler not configured")
	}
	cmd, ok := d.crawler.(*crawler.CommandCrawler)
	if !ok {
		return Healthy(NameDownload)
	}
	if _, err := exec.LookPath(cmd.Binary()); err != nil {
		return Unhealthy(NameDownload, fmt.Sprintf("crawler binary %q not found", cmd.Binary()))
	}
	return Healthy(NameDownload)
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
