package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"chunkpipe/internal/logging"
)

// SweepResult contains the outcome of a stale workspace sweep.
type SweepResult struct {
	Removed []string
	Skipped []string
	Errors  []SweepError
}

// SweepError pairs a directory path with its cleanup error.
type SweepError struct {
	Path  string
	Error error
}

// DirInfo describes a workspace directory on disk.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
	Active  bool
}

// Sweep removes workspaces older than maxAge whose lock is not held.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) SweepResult {
	result := SweepResult{}
	logger := logging.WithContext(ctx, m.logger)

	entries, err := os.ReadDir(m.root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			result.Errors = append(result.Errors, SweepError{Path: m.root, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.IsDir() {
			continue
		}
		dirPath := filepath.Join(m.root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, SweepError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		lock := flock.New(filepath.Join(dirPath, lockFileName))
		locked, err := lock.TryLock()
		if err != nil || !locked {
			result.Skipped = append(result.Skipped, dirPath)
			continue
		}
		removeErr := os.RemoveAll(dirPath)
		_ = lock.Unlock()
		if removeErr != nil {
			result.Errors = append(result.Errors, SweepError{Path: dirPath, Error: removeErr})
			logger.Warn("failed to remove stale workspace",
				logging.String("path", dirPath),
				logging.Error(removeErr),
				logging.String(logging.FieldEventType, "workspace_cleanup_failed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		logger.Info("removed stale workspace",
			logging.String("path", dirPath),
			logging.Duration("age", time.Since(info.ModTime())),
			logging.String(logging.FieldEventType, "workspace_cleanup"),
		)
	}
	return result
}

// List returns every workspace directory with its size and lock state.
func (m *Manager) List() ([]DirInfo, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirPath := filepath.Join(m.root, entry.Name())
		size, _ := dirSize(dirPath)
		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    dirPath,
			ModTime: info.ModTime(),
			Size:    size,
			Active:  isLocked(dirPath),
		})
	}
	return dirs, nil
}

func isLocked(dirPath string) bool {
	lockPath := filepath.Join(dirPath, lockFileName)
	if _, err := os.Stat(lockPath); err != nil {
		return false
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return true
	}
	if locked {
		_ = lock.Unlock()
		return false
	}
	return true
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
