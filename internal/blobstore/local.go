package blobstore

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"chunkpipe/internal/fileutil"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

// LocalStore copies artifacts into a directory tree.
type LocalStore struct {
	root   string
	logger *slog.Logger
}

// NewLocal builds a filesystem store rooted at dir.
func NewLocal(dir string, logger *slog.Logger) (*LocalStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "blob", "blob.dir is not set", nil)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "blob", "resolve blob.dir", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LocalStore{root: abs, logger: logging.NewComponentLogger(logger, "blobstore")}, nil
}

// Root returns the base directory.
func (s *LocalStore) Root() string { return s.root }

// Describe implements Store.
func (s *LocalStore) Describe() string { return "fs:" + s.root }

// Upload copies localPath to root/key atomically and returns a file:// URL.
func (s *LocalStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", services.Wrap(services.ErrConfiguration, "", "blob", "invalid key "+key, nil)
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", services.Wrap(services.ErrFilesystem, "", "blob", "stat artifact", err)
	}
	dst := filepath.Join(s.root, clean)
	sum, err := fileutil.CopyFileAtomic(localPath, dst)
	if err != nil {
		// Local storage failures usually clear once space or locks are freed.
		return "", services.Wrap(services.ErrTransientNetwork, "", "blob", "copy to "+dst, err)
	}
	logging.WithContext(ctx, s.logger).Debug("artifact stored",
		logging.String("key", key),
		logging.String("sha256", sum),
	)
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String(), nil
}
