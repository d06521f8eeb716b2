package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the persisted lifecycle of a chunk.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Phase tracks progress inside PROCESSING for observability only.
type Phase string

const (
	PhaseNone        Phase = ""
	PhaseDownloading Phase = "downloading"
	PhaseValidating  Phase = "validating"
	PhaseCompressing Phase = "compressing"
	PhaseUploading   Phase = "uploading"
)

// WorkerLostMessage is recorded when a PROCESSING chunk stops heartbeating.
const WorkerLostMessage = "worker lost: heartbeat expired"

var (
	// ErrDuplicateChunk is returned when creating a chunk whose id already exists.
	ErrDuplicateChunk = errors.New("chunk already exists")
	// ErrInvalidTransition is returned for status changes that would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var allStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts user input into a Status.
func ParseStatus(value string) (Status, bool) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(value)))
	for _, s := range allStatuses {
		if s == candidate {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status ends the lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to respects the monotonic lifecycle.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Counts summarizes the validation outcome of a chunk.
type Counts struct {
	Downloaded        int `json:"downloaded"`
	DuplicatesRemoved int `json:"duplicates_removed"`
	CorruptedRemoved  int `json:"corrupted_removed"`
	ValidRemaining    int `json:"valid_remaining"`
}

// Artifact records the uploaded archive.
type Artifact struct {
	SHA256  string `json:"sha256"`
	Bytes   int64  `json:"bytes"`
	Entries int    `json:"entries"`
}

// Chunk is the persisted task record keyed by chunk id.
type Chunk struct {
	ID            string
	TaskID        string
	Keyword       string
	Metadata      map[string]any
	Status        Status
	Phase         Phase
	Attempts      map[string]int
	ErrorMessage  string
	ResultURL     string
	Owner         string
	Counts        Counts
	Artifact      Artifact
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	LastHeartbeat *time.Time
}

// NewChunk describes a chunk to enqueue.
type NewChunk struct {
	ID       string
	TaskID   string
	Metadata map[string]any
}

// KeywordFrom extracts the keyword string from metadata, or "".
func KeywordFrom(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata["keyword"].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Patch carries the fields written alongside a status transition. Zero values
// leave the stored field untouched, except that entering PROCESSING clears any
// previous error.
type Patch struct {
	Owner        string
	ErrorMessage string
	ResultURL    string
	Phase        Phase
	Attempts     map[string]int
	Counts       *Counts
	Artifact     *Artifact
}

// HealthSummary aggregates counts by lifecycle bucket.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Summarize folds Stats output into a HealthSummary.
func Summarize(stats map[Status]int) HealthSummary {
	var h HealthSummary
	for status, count := range stats {
		h.Total += count
		switch status {
		case StatusPending:
			h.Pending += count
		case StatusProcessing:
			h.Processing += count
		case StatusCompleted:
			h.Completed += count
		case StatusFailed:
			h.Failed += count
		}
	}
	return h
}

func mergeAttempts(dst, src map[string]int) map[string]int {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]int, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
