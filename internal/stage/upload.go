package stage

import (
	"context"
	"log/slog"
	"path/filepath"

	"chunkpipe/internal/archive"
	"chunkpipe/internal/blobstore"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/retry"
	"chunkpipe/internal/services"
)

// Upload ships artifacts to blob storage with exponential backoff.
type Upload struct {
	store  blobstore.Store
	prefix string
	exec   *retry.Executor
	logger *slog.Logger
}

// NewUpload builds the upload stage. Objects are stored under prefix.
func NewUpload(store blobstore.Store, prefix string, policy retry.Policy, logger *slog.Logger, opts ...retry.Option) *Upload {
	logger = logging.NewComponentLogger(logger, NameUpload)
	opts = append([]retry.Option{retry.WithLogger(logger)}, opts...)
	return &Upload{
		store:  store,
		prefix: prefix,
		exec:   retry.New(NameUpload, policy, services.IsRetriableNetwork, opts...),
		logger: logger,
	}
}

// Key returns the deterministic remote key for an artifact.
func (u *Upload) Key(artifact *archive.Artifact) string {
	return blobstore.Key(u.prefix, filepath.Base(artifact.Path))
}

// Run uploads the artifact and returns its URL.
func (u *Upload) Run(ctx context.Context, artifact *archive.Artifact) (string, int, error) {
	key := u.Key(artifact)
	return retry.Run(ctx, u.exec, func(ctx context.Context) (string, error) {
		return u.store.Upload(ctx, artifact.Path, key)
	})
}

// HealthCheck reports the configured target.
func (u *Upload) HealthCheck(context.Context) Health {
	if u.store == nil {
		return Unhealthy(NameUpload, "blob store not configured")
	}
	return Health{Name: NameUpload, Ready: true, Detail: u.store.Describe()}
}
