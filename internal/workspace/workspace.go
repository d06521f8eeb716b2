package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

const (
	lockFileName = ".workspace.lock"
	imagesDir    = "images"
	artifactDir  = "artifact"
)

// Manager creates and reclaims workspaces under a root directory.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager returns a Manager rooted at root.
func NewManager(root string, logger *slog.Logger) *Manager {
	return &Manager{root: root, logger: logging.NewComponentLogger(logger, "workspace")}
}

// Root returns the directory that holds every workspace.
func (m *Manager) Root() string { return m.root }

// Workspace is one chunk execution's private directory.
type Workspace struct {
	ChunkID string
	Path    string

	lock     *flock.Flock
	logger   *slog.Logger
	mu       sync.Mutex
	released bool
}

// ImagesDir is where the crawler writes candidate images.
func (w *Workspace) ImagesDir() string { return filepath.Join(w.Path, imagesDir) }

// ArtifactDir is where the archive is assembled.
func (w *Workspace) ArtifactDir() string { return filepath.Join(w.Path, artifactDir) }

// Acquire creates a fresh workspace for chunkID and locks it.
func (m *Manager) Acquire(ctx context.Context, chunkID string) (*Workspace, error) {
	if strings.TrimSpace(m.root) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "workspace", "acquire", "workspace root is not configured", nil)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "workspace", "create root", m.root, err)
	}

	name := sanitize(chunkID) + "-" + uuid.NewString()[:8]
	path := filepath.Join(m.root, name)
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "workspace", "create", path, err)
	}

	lock := flock.New(filepath.Join(path, lockFileName))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		_ = os.RemoveAll(path)
		if err == nil {
			err = fmt.Errorf("lock held elsewhere")
		}
		return nil, services.Wrap(services.ErrFilesystem, "workspace", "lock", path, err)
	}

	for _, sub := range []string{imagesDir, artifactDir} {
		if err := os.Mkdir(filepath.Join(path, sub), 0o755); err != nil {
			_ = lock.Unlock()
			_ = os.RemoveAll(path)
			return nil, services.Wrap(services.ErrFilesystem, "workspace", "create "+sub, path, err)
		}
	}

	ws := &Workspace{
		ChunkID: chunkID,
		Path:    path,
		lock:    lock,
		logger:  logging.WithContext(ctx, m.logger),
	}
	ws.logger.Debug("workspace acquired", logging.String("path", path))
	return ws, nil
}

// Release removes the workspace. Removal errors are logged, never returned.
func (w *Workspace) Release() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	w.released = true

	if err := os.RemoveAll(w.Path); err != nil {
		w.logger.Warn("workspace removal failed",
			logging.String("path", w.Path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "workspace_cleanup_failed"),
		)
	} else {
		w.logger.Debug("workspace released", logging.String("path", w.Path))
	}
	if err := w.lock.Unlock(); err != nil {
		w.logger.Warn("workspace unlock failed", logging.String("path", w.Path), logging.Error(err))
	}
}

// With acquires a workspace, runs fn, and releases the workspace however fn
// exits.
func (m *Manager) With(ctx context.Context, chunkID string, fn func(*Workspace) error) error {
	ws, err := m.Acquire(ctx, chunkID)
	if err != nil {
		return err
	}
	defer ws.Release()
	return fn(ws)
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), ".")
	if name == "" {
		return "chunk"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
