package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const boltChunksBucket = "chunks"

// BoltStore keeps chunk records as JSON documents in a bbolt bucket. bbolt
// takes an exclusive file lock, so every worker sharing it must live in the
// same process.
type BoltStore struct {
	db *bbolt.DB
}

type boltRecord struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id,omitempty"`
	Keyword       string         `json:"keyword"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        Status         `json:"status"`
	Phase         Phase          `json:"phase,omitempty"`
	Attempts      map[string]int `json:"attempts,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ResultURL     string         `json:"result_url,omitempty"`
	Owner         string         `json:"owner,omitempty"`
	Counts        Counts         `json:"counts"`
	Artifact      Artifact       `json:"artifact"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
}

func (r *boltRecord) chunk() *Chunk {
	c := Chunk(*r)
	return &c
}

// OpenBolt opens (or creates) the bbolt chunk database.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure database directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltChunksBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create chunks bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func getRecord(b *bbolt.Bucket, id string) (*boltRecord, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var rec boltRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(b *bbolt.Bucket, rec *boltRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode chunk %s: %w", rec.ID, err)
	}
	return b.Put([]byte(rec.ID), raw)
}

// Create inserts a new PENDING chunk.
func (s *BoltStore) Create(_ context.Context, chunk NewChunk) (*Chunk, error) {
	if strings.TrimSpace(chunk.ID) == "" {
		return nil, errors.New("chunk id is required")
	}
	now := time.Now().UTC()
	rec := &boltRecord{
		ID:        chunk.ID,
		TaskID:    chunk.TaskID,
		Keyword:   KeywordFrom(chunk.Metadata),
		Metadata:  chunk.Metadata,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltChunksBucket))
		if b.Get([]byte(chunk.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateChunk, chunk.ID)
		}
		return putRecord(b, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.chunk(), nil
}

// Get fetches a chunk by identifier.
func (s *BoltStore) Get(_ context.Context, id string) (*Chunk, error) {
	var out *Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx.Bucket([]byte(boltChunksBucket)), id)
		if err != nil || rec == nil {
			return err
		}
		out = rec.chunk()
		return nil
	})
	return out, err
}

func (s *BoltStore) scan(match func(*boltRecord) bool) ([]*Chunk, error) {
	var out []*Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltChunksBucket)).ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode chunk %s: %w", k, err)
			}
			if match == nil || match(&rec) {
				out = append(out, rec.chunk())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *Chunk) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// List returns chunks filtered by status, oldest first.
func (s *BoltStore) List(_ context.Context, statuses ...Status) ([]*Chunk, error) {
	if len(statuses) == 0 {
		return s.scan(nil)
	}
	return s.scan(func(r *boltRecord) bool { return slices.Contains(statuses, r.Status) })
}

// Stats returns a count of chunks grouped by status.
func (s *BoltStore) Stats(_ context.Context) (map[Status]int, error) {
	stats := make(map[Status]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltChunksBucket)).ForEach(func(_, v []byte) error {
			var rec struct {
				Status Status `json:"status"`
			}
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			stats[rec.Status]++
			return nil
		})
	})
	return stats, err
}

// NextPending returns the oldest PENDING chunk.
func (s *BoltStore) NextPending(ctx context.Context) (*Chunk, error) {
	pending, err := s.List(ctx, StatusPending)
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	return pending[0], nil
}

// CompareAndSetStatus performs the conditional status write inside a single
// read-write transaction.
func (s *BoltStore) CompareAndSetStatus(_ context.Context, id string, from, to Status, patch Patch) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	won := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltChunksBucket))
		rec, err := getRecord(b, id)
		if err != nil || rec == nil || rec.Status != from {
			return err
		}
		now := time.Now().UTC()
		rec.Status = to
		rec.UpdatedAt = now
		switch {
		case to == StatusProcessing:
			rec.StartedAt = &now
			rec.LastHeartbeat = &now
			rec.ErrorMessage = ""
			rec.Owner = patch.Owner
		case to.IsTerminal():
			rec.FinishedAt = &now
		}
		applyPatch(rec, patch)
		won = true
		return putRecord(b, rec)
	})
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	return won, nil
}

func applyPatch(rec *boltRecord, patch Patch) {
	if patch.Phase != PhaseNone {
		rec.Phase = patch.Phase
	}
	if patch.ErrorMessage != "" {
		rec.ErrorMessage = patch.ErrorMessage
	}
	if patch.ResultURL != "" {
		rec.ResultURL = patch.ResultURL
	}
	if len(patch.Attempts) > 0 {
		rec.Attempts = mergeAttempts(nil, patch.Attempts)
	}
	if patch.Counts != nil {
		rec.Counts = *patch.Counts
	}
	if patch.Artifact != nil {
		rec.Artifact = *patch.Artifact
	}
}

func (s *BoltStore) updateProcessing(id string, mutate func(*boltRecord, time.Time)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltChunksBucket))
		rec, err := getRecord(b, id)
		if err != nil || rec == nil || rec.Status != StatusProcessing {
			return err
		}
		now := time.Now().UTC()
		mutate(rec, now)
		rec.UpdatedAt = now
		return putRecord(b, rec)
	})
}

// UpdatePhase records progress for a PROCESSING chunk.
func (s *BoltStore) UpdatePhase(_ context.Context, id string, phase Phase, attempts map[string]int) error {
	err := s.updateProcessing(id, func(rec *boltRecord, now time.Time) {
		rec.Phase = phase
		rec.Attempts = mergeAttempts(nil, attempts)
		rec.LastHeartbeat = &now
	})
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	return nil
}

// Heartbeat updates the last heartbeat timestamp for an in-flight chunk.
func (s *BoltStore) Heartbeat(_ context.Context, id string) error {
	err := s.updateProcessing(id, func(rec *boltRecord, now time.Time) {
		rec.LastHeartbeat = &now
	})
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReapStale fails PROCESSING chunks whose heartbeat expired.
func (s *BoltStore) ReapStale(_ context.Context, cutoff time.Time, message string) (int64, error) {
	var reaped int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltChunksBucket))
		var stale []*boltRecord
		err := b.ForEach(func(_, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == StatusProcessing && rec.LastHeartbeat != nil && rec.LastHeartbeat.Before(cutoff) {
				stale = append(stale, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, rec := range stale {
			rec.Status = StatusFailed
			rec.ErrorMessage = message
			rec.FinishedAt = &now
			rec.UpdatedAt = now
			if err := putRecord(b, rec); err != nil {
				return err
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reap stale chunks: %w", err)
	}
	return reaped, nil
}
