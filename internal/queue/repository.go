package queue

import (
	"context"
	"fmt"
	"time"

	"chunkpipe/internal/config"
)

// Repository is the persisted chunk store. Implementations must make
// CompareAndSetStatus atomic across processes sharing the same backend.
type Repository interface {
	Create(ctx context.Context, chunk NewChunk) (*Chunk, error)
	// Get returns nil, nil when the chunk does not exist.
	Get(ctx context.Context, id string) (*Chunk, error)
	List(ctx context.Context, statuses ...Status) ([]*Chunk, error)
	Stats(ctx context.Context) (map[Status]int, error)
	// NextPending returns the oldest PENDING chunk or nil.
	NextPending(ctx context.Context) (*Chunk, error)
	// CompareAndSetStatus moves id from `from` to `to` only if it is still in
	// `from`, reporting whether this caller won.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status, patch Patch) (bool, error)
	// UpdatePhase records phase and attempt counters for a PROCESSING chunk.
	UpdatePhase(ctx context.Context, id string, phase Phase, attempts map[string]int) error
	Heartbeat(ctx context.Context, id string) error
	// ReapStale fails PROCESSING chunks whose heartbeat is older than cutoff.
	ReapStale(ctx context.Context, cutoff time.Time, message string) (int64, error)
	Close() error
}

// Open constructs the repository selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config) (Repository, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendSQLite, "":
		return OpenSQLite(cfg.Store.SQLitePath)
	case config.StoreBackendBolt:
		return OpenBolt(cfg.Store.BoltPath)
	case config.StoreBackendPostgres:
		return OpenPostgres(ctx, cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// Describe returns a human-readable location for the configured backend.
func Describe(cfg *config.Config) string {
	switch cfg.Store.Backend {
	case config.StoreBackendBolt:
		return "bolt:" + cfg.Store.BoltPath
	case config.StoreBackendPostgres:
		return "postgres"
	default:
		return "sqlite:" + cfg.Store.SQLitePath
	}
}
