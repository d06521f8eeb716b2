package imageset

import "chunkpipe/internal/queue"

// RemovalKind says which check rejected a file.
type RemovalKind string

const (
	KindExactDuplicate RemovalKind = "exact_duplicate"
	KindNearDuplicate  RemovalKind = "near_duplicate"
	KindCorrupt        RemovalKind = "corrupt"
	KindUndersized     RemovalKind = "undersized"
	KindTooSmall       RemovalKind = "too_small"
)

// IsDuplicate reports whether the kind came from duplicate detection.
func (k RemovalKind) IsDuplicate() bool {
	return k == KindExactDuplicate || k == KindNearDuplicate
}

// Removal records one file excluded from the archive.
type Removal struct {
	Name        string      `json:"name"`
	Kind        RemovalKind `json:"kind"`
	Reason      string      `json:"reason"`
	Action      Action      `json:"action"`
	Canonical   string      `json:"canonical,omitempty"`
	Destination string      `json:"destination,omitempty"`
}

// Outcome accumulates validation counts across duplicate and integrity checks.
// ValidRemaining always equals Downloaded - DuplicatesRemoved - CorruptedRemoved.
type Outcome struct {
	Downloaded        int       `json:"downloaded"`
	DuplicatesRemoved int       `json:"duplicates_removed"`
	CorruptedRemoved  int       `json:"corrupted_removed"`
	ValidRemaining    int       `json:"valid_remaining"`
	Removed           []Removal `json:"removed,omitempty"`
}

// NewOutcome starts an outcome for a downloaded set.
func NewOutcome(downloaded int) *Outcome {
	return &Outcome{Downloaded: downloaded, ValidRemaining: downloaded}
}

// Record adds a removal and keeps the counts consistent.
func (o *Outcome) Record(r Removal) {
	o.Removed = append(o.Removed, r)
	if r.Kind.IsDuplicate() {
		o.DuplicatesRemoved++
	} else {
		o.CorruptedRemoved++
	}
	o.ValidRemaining = o.Downloaded - o.DuplicatesRemoved - o.CorruptedRemoved
}

// Counts converts the outcome to its persisted form.
func (o *Outcome) Counts() queue.Counts {
	return queue.Counts{
		Downloaded:        o.Downloaded,
		DuplicatesRemoved: o.DuplicatesRemoved,
		CorruptedRemoved:  o.CorruptedRemoved,
		ValidRemaining:    o.ValidRemaining,
	}
}
