package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    task_id TEXT,
    keyword TEXT NOT NULL DEFAULT '',
    metadata JSONB,
    status TEXT NOT NULL,
    phase TEXT,
    attempts JSONB,
    error_message TEXT,
    result_url TEXT,
    owner TEXT,
    counts JSONB,
    artifact_sha256 TEXT,
    artifact_bytes BIGINT NOT NULL DEFAULT 0,
    artifact_entries INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    last_heartbeat TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_chunks_status_created ON chunks(status, created_at);
`

const pgChunkColumns = "id, task_id, keyword, metadata, status, phase, attempts, error_message, result_url, owner, counts, artifact_sha256, artifact_bytes, artifact_entries, created_at, updated_at, started_at, finished_at, last_heartbeat"

// PostgresStore shares chunk state between workers on separate machines.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to PostgreSQL and ensures the chunks table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases pooled connections.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Create inserts a new PENDING chunk.
func (s *PostgresStore) Create(ctx context.Context, chunk NewChunk) (*Chunk, error) {
	if strings.TrimSpace(chunk.ID) == "" {
		return nil, errors.New("chunk id is required")
	}
	metadata, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chunks (id, task_id, keyword, metadata, status, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		chunk.ID, nullableString(chunk.TaskID), KeywordFrom(chunk.Metadata), metadata, string(StatusPending), now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChunk, chunk.ID)
		}
		return nil, fmt.Errorf("insert chunk: %w", err)
	}
	return s.Get(ctx, chunk.ID)
}

// Get fetches a chunk by identifier.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Chunk, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgChunkColumns+` FROM chunks WHERE id = $1`, id)
	chunk, err := scanPgChunk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return chunk, nil
}

// List returns chunks filtered by status, oldest first.
func (s *PostgresStore) List(ctx context.Context, statuses ...Status) ([]*Chunk, error) {
	query := `SELECT ` + pgChunkColumns + ` FROM chunks`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		chunk, err := scanPgChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// Stats returns a count of chunks grouped by status.
func (s *PostgresStore) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(1) FROM chunks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("chunk stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[Status(status)] = int(count)
	}
	return stats, rows.Err()
}

// NextPending returns the oldest PENDING chunk.
func (s *PostgresStore) NextPending(ctx context.Context) (*Chunk, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgChunkColumns+` FROM chunks WHERE status = $1 ORDER BY created_at, id LIMIT 1`,
		string(StatusPending),
	)
	chunk, err := scanPgChunk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending chunk: %w", err)
	}
	return chunk, nil
}

// CompareAndSetStatus performs the conditional status write.
func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status, patch Patch) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	sets := []string{"status = $1", "updated_at = $2"}
	args := []any{string(to), now}
	add := func(expr string, value any) {
		args = append(args, value)
		sets = append(sets, strings.Replace(expr, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	switch {
	case to == StatusProcessing:
		add("started_at = ?", now)
		add("last_heartbeat = ?", now)
		add("owner = ?", nullableString(patch.Owner))
		if patch.ErrorMessage == "" {
			sets = append(sets, "error_message = NULL")
		}
	case to.IsTerminal():
		add("finished_at = ?", now)
	}
	if patch.Phase != PhaseNone {
		add("phase = ?", string(patch.Phase))
	}
	if patch.ErrorMessage != "" {
		add("error_message = ?", patch.ErrorMessage)
	}
	if patch.ResultURL != "" {
		add("result_url = ?", patch.ResultURL)
	}
	if len(patch.Attempts) > 0 {
		encoded, err := json.Marshal(patch.Attempts)
		if err != nil {
			return false, fmt.Errorf("marshal attempts: %w", err)
		}
		add("attempts = ?", encoded)
	}
	if patch.Counts != nil {
		encoded, err := json.Marshal(patch.Counts)
		if err != nil {
			return false, fmt.Errorf("marshal counts: %w", err)
		}
		add("counts = ?", encoded)
	}
	if patch.Artifact != nil {
		add("artifact_sha256 = ?", patch.Artifact.SHA256)
		add("artifact_bytes = ?", patch.Artifact.Bytes)
		add("artifact_entries = ?", patch.Artifact.Entries)
	}
	args = append(args, id, string(from))
	query := fmt.Sprintf(`UPDATE chunks SET %s WHERE id = $%d AND status = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdatePhase records progress for a PROCESSING chunk.
func (s *PostgresStore) UpdatePhase(ctx context.Context, id string, phase Phase, attempts map[string]int) error {
	encoded, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE chunks SET phase = $1, attempts = $2, last_heartbeat = now(), updated_at = now()
         WHERE id = $3 AND status = $4`,
		string(phase), encoded, id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	return nil
}

// Heartbeat updates the last heartbeat timestamp for an in-flight chunk.
func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chunks SET last_heartbeat = now(), updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReapStale fails PROCESSING chunks whose heartbeat expired.
func (s *PostgresStore) ReapStale(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chunks SET status = $1, error_message = $2, finished_at = now(), updated_at = now()
         WHERE status = $3 AND last_heartbeat IS NOT NULL AND last_heartbeat < $4`,
		string(StatusFailed), message, string(StatusProcessing), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reap stale chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPgChunk(row pgx.Row) (*Chunk, error) {
	var (
		chunk           Chunk
		taskID          *string
		status          string
		phase           *string
		metadata        []byte
		attempts        []byte
		counts          []byte
		errorMessage    *string
		resultURL       *string
		owner           *string
		artifactSHA     *string
		artifactEntries int32
	)
	if err := row.Scan(
		&chunk.ID, &taskID, &chunk.Keyword, &metadata, &status, &phase, &attempts,
		&errorMessage, &resultURL, &owner, &counts, &artifactSHA, &chunk.Artifact.Bytes,
		&artifactEntries, &chunk.CreatedAt, &chunk.UpdatedAt, &chunk.StartedAt,
		&chunk.FinishedAt, &chunk.LastHeartbeat,
	); err != nil {
		return nil, err
	}
	chunk.Status = Status(status)
	chunk.TaskID = deref(taskID)
	chunk.Phase = Phase(deref(phase))
	chunk.ErrorMessage = deref(errorMessage)
	chunk.ResultURL = deref(resultURL)
	chunk.Owner = deref(owner)
	chunk.Artifact.SHA256 = deref(artifactSHA)
	chunk.Artifact.Entries = int(artifactEntries)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &chunk.Metadata)
	}
	if len(attempts) > 0 {
		_ = json.Unmarshal(attempts, &chunk.Attempts)
	}
	if len(counts) > 0 {
		_ = json.Unmarshal(counts, &chunk.Counts)
	}
	return &chunk, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
