package testsupport

import (
	"context"
	"testing"

	"chunkpipe/internal/config"
	"chunkpipe/internal/queue"
)

// MustOpenStore opens the configured repository for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) queue.Repository {
	t.Helper()

	repo, err := queue.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

// NewChunk enqueues a PENDING chunk with the given keyword.
func NewChunk(t testing.TB, repo queue.Repository, id, keyword string) *queue.Chunk {
	t.Helper()

	metadata := map[string]any{}
	if keyword != "" {
		metadata["keyword"] = keyword
	}
	chunk, err := repo.Create(context.Background(), queue.NewChunk{ID: id, TaskID: "task-" + id, Metadata: metadata})
	if err != nil {
		t.Fatalf("repo.Create: %v", err)
	}
	return chunk
}
