// Package blobstore uploads artifacts to durable storage.
//
// Two backends are provided: a filesystem store for single-host deployments
// and tests, and an HTTP store that PUTs objects to an S3-style endpoint with
// bearer authentication. Both overwrite an existing object with the same key,
// so re-uploading a chunk after a retry is idempotent.
package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"chunkpipe/internal/config"
	"chunkpipe/internal/services"
)

// Store uploads a local file under key and returns its URL. Retriable
// failures wrap services.ErrTransientNetwork.
type Store interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	// Describe names the target for logs and preflight output.
	Describe() string
}

// Key joins the configured prefix and an artifact file name.
func Key(prefix, fileName string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fileName
	}
	return path.Join(prefix, fileName)
}

// Open returns the configured backend.
func Open(cfg config.Blob, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BlobBackendFS, "":
		return NewLocal(cfg.Dir, logger)
	case config.BlobBackendHTTP:
		return NewHTTP(cfg, logger)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "blob", fmt.Sprintf("unsupported backend %q", cfg.Backend), nil)
	}
}
