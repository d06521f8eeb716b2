package stage

import (
	"context"
	"log/slog"

	"chunkpipe/internal/archive"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/retry"
	"chunkpipe/internal/services"
)

// Compress packs validated images, retrying only filesystem errors.
type Compress struct {
	archiver *archive.Archiver
	exec     *retry.Executor
}

// NewCompress builds the compression stage.
func NewCompress(archiver *archive.Archiver, policy retry.Policy, logger *slog.Logger, opts ...retry.Option) *Compress {
	logger = logging.NewComponentLogger(logger, NameCompress)
	opts = append([]retry.Option{retry.WithLogger(logger)}, opts...)
	return &Compress{
		archiver: archiver,
		exec:     retry.New(NameCompress, policy, services.IsRetriableFilesystem, opts...),
	}
}

// Run writes the chunk artifact into destDir.
func (c *Compress) Run(ctx context.Context, chunkID string, files []*imageset.Candidate, destDir string) (*archive.Artifact, int, error) {
	return retry.Run(ctx, c.exec, func(ctx context.Context) (*archive.Artifact, error) {
		return c.archiver.Pack(ctx, chunkID, files, destDir)
	})
}

// Format returns the archive container format.
func (c *Compress) Format() string { return c.archiver.Format() }
