package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore manages chunk persistence backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const chunkColumns = "id, task_id, keyword, metadata_json, status, phase, attempts_json, error_message, result_url, owner, counts_json, artifact_sha256, artifact_bytes, artifact_entries, created_at, updated_at, started_at, finished_at, last_heartbeat"

// OpenSQLite initializes or connects to the chunk database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new PENDING chunk.
func (s *SQLiteStore) Create(ctx context.Context, chunk NewChunk) (*Chunk, error) {
	if strings.TrimSpace(chunk.ID) == "" {
		return nil, errors.New("chunk id is required")
	}
	metadataJSON, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	now := formatTime(time.Now())

	_, err = s.execWithRetry(ctx,
		`INSERT INTO chunks (id, task_id, keyword, metadata_json, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID,
		nullableString(chunk.TaskID),
		KeywordFrom(chunk.Metadata),
		string(metadataJSON),
		StatusPending,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChunk, chunk.ID)
		}
		return nil, fmt.Errorf("insert chunk: %w", err)
	}
	return s.Get(ctx, chunk.ID)
}

// Get fetches a chunk by identifier.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return chunk, nil
}

// List returns chunks filtered by status, oldest first.
func (s *SQLiteStore) List(ctx context.Context, statuses ...Status) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// Stats returns a count of chunks grouped by status.
func (s *SQLiteStore) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM chunks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("chunk stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// NextPending returns the oldest PENDING chunk.
func (s *SQLiteStore) NextPending(ctx context.Context) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		StatusPending,
	)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending chunk: %w", err)
	}
	return chunk, nil
}

// CompareAndSetStatus performs the conditional status write.
func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status, patch Patch) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	now := formatTime(time.Now())

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}
	switch {
	case to == StatusProcessing:
		sets = append(sets, "started_at = ?", "last_heartbeat = ?", "owner = ?")
		args = append(args, now, now, nullableString(patch.Owner))
		if patch.ErrorMessage == "" {
			sets = append(sets, "error_message = NULL")
		}
	case to.IsTerminal():
		sets = append(sets, "finished_at = ?")
		args = append(args, now)
	}
	if patch.Phase != PhaseNone {
		sets = append(sets, "phase = ?")
		args = append(args, string(patch.Phase))
	}
	if patch.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, patch.ErrorMessage)
	}
	if patch.ResultURL != "" {
		sets = append(sets, "result_url = ?")
		args = append(args, patch.ResultURL)
	}
	if len(patch.Attempts) > 0 {
		encoded, err := json.Marshal(patch.Attempts)
		if err != nil {
			return false, fmt.Errorf("marshal attempts: %w", err)
		}
		sets = append(sets, "attempts_json = ?")
		args = append(args, string(encoded))
	}
	if patch.Counts != nil {
		encoded, err := json.Marshal(patch.Counts)
		if err != nil {
			return false, fmt.Errorf("marshal counts: %w", err)
		}
		sets = append(sets, "counts_json = ?")
		args = append(args, string(encoded))
	}
	if patch.Artifact != nil {
		sets = append(sets, "artifact_sha256 = ?", "artifact_bytes = ?", "artifact_entries = ?")
		args = append(args, patch.Artifact.SHA256, patch.Artifact.Bytes, patch.Artifact.Entries)
	}
	args = append(args, id, from)

	res, err := s.execWithRetry(ctx,
		`UPDATE chunks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// UpdatePhase records progress for a PROCESSING chunk.
func (s *SQLiteStore) UpdatePhase(ctx context.Context, id string, phase Phase, attempts map[string]int) error {
	encoded, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	now := formatTime(time.Now())
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE chunks SET phase = ?, attempts_json = ?, last_heartbeat = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(phase), string(encoded), now, now, id, StatusProcessing,
	); err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	return nil
}

// Heartbeat updates the last heartbeat timestamp for an in-flight chunk.
func (s *SQLiteStore) Heartbeat(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE chunks SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, StatusProcessing,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReapStale fails PROCESSING chunks whose heartbeat expired.
func (s *SQLiteStore) ReapStale(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(ctx,
		`UPDATE chunks SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
         WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusFailed, message, now, now, StatusProcessing, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reap stale chunks: %w", err)
	}
	return res.RowsAffected()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLiteStore) execWithoutResultRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}
