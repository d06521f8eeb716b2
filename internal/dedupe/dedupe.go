// Package dedupe removes exact and near duplicate images from a workspace.
//
// Exact duplicates are found by SHA-256 of the raw bytes. Survivors are then
// compared by DCT perceptual hash and any file within the configured Hamming
// distance of an already accepted file is a near duplicate. Files are visited
// in name order, so the canonical survivor of a cluster is always the first
// name, regardless of download order.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/corona10/goimagehash"

	"chunkpipe/internal/imageset"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

// Detector applies two-tier duplicate detection.
type Detector struct {
	threshold int
	disposer  imageset.Disposer
	logger    *slog.Logger
}

// New builds a detector. A negative threshold disables near-duplicate matching.
func New(threshold int, disposer imageset.Disposer, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Detector{
		threshold: threshold,
		disposer:  disposer,
		logger:    logging.NewComponentLogger(logger, "dedupe"),
	}
}

type accepted struct {
	name string
	hash *goimagehash.ImageHash
}

// Detect records duplicates into outcome and returns the surviving
// candidates in name order. Files that cannot be decoded are passed through
// untouched for the integrity validator to judge.
func (d *Detector) Detect(ctx context.Context, candidates []*imageset.Candidate, outcome *imageset.Outcome) ([]*imageset.Candidate, error) {
	ordered := append([]*imageset.Candidate(nil), candidates...)
	imageset.SortByName(ordered)
	logger := logging.WithContext(ctx, d.logger)
	disposer := d.disposer.ForContext(ctx)

	exact := make([]*imageset.Candidate, 0, len(ordered))
	seen := make(map[string]string, len(ordered))
	for _, c := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, err := c.ContentHash()
		if err != nil {
			return nil, services.Wrap(services.ErrFilesystem, "", "content hash", c.Name, err)
		}
		if canonical, ok := seen[sum]; ok {
			if err := d.reject(logger, disposer, outcome, c, imageset.KindExactDuplicate, canonical, "identical content"); err != nil {
				return nil, err
			}
			continue
		}
		seen[sum] = c.Name
		exact = append(exact, c)
	}

	if d.threshold < 0 {
		d.logSummary(logger, outcome, len(ordered))
		return exact, nil
	}

	survivors := make([]*imageset.Candidate, 0, len(exact))
	var kept []accepted
	for _, c := range exact {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hash, err := c.PerceptualHash()
		if err != nil {
			logger.Debug("perceptual hash skipped",
				logging.String("file", c.Name),
				logging.Error(err),
			)
			survivors = append(survivors, c)
			continue
		}
		match, distance, err := d.nearest(kept, hash)
		if err != nil {
			return nil, err
		}
		if match != "" {
			reason := fmt.Sprintf("hamming distance %d", distance)
			if err := d.reject(logger, disposer, outcome, c, imageset.KindNearDuplicate, match, reason); err != nil {
				return nil, err
			}
			continue
		}
		kept = append(kept, accepted{name: c.Name, hash: hash})
		survivors = append(survivors, c)
	}

	d.logSummary(logger, outcome, len(ordered))
	return survivors, nil
}

// nearest returns the first accepted file within the threshold.
func (d *Detector) nearest(kept []accepted, hash *goimagehash.ImageHash) (string, int, error) {
	for _, other := range kept {
		distance, err := hash.Distance(other.hash)
		if err != nil {
			return "", 0, fmt.Errorf("compare perceptual hashes: %w", err)
		}
		if distance <= d.threshold {
			return other.name, distance, nil
		}
	}
	return "", 0, nil
}

func (d *Detector) reject(logger *slog.Logger, disposer imageset.Disposer, outcome *imageset.Outcome, c *imageset.Candidate, kind imageset.RemovalKind, canonical, reason string) error {
	removal, err := disposer.Dispose(c, imageset.Removal{Kind: kind, Canonical: canonical, Reason: reason})
	if err != nil {
		return err
	}
	outcome.Record(removal)
	logger.Debug("duplicate rejected",
		logging.String("file", c.Name),
		logging.String("canonical", canonical),
		logging.String("kind", string(kind)),
		logging.String("action", string(removal.Action)),
	)
	return nil
}

func (d *Detector) logSummary(logger *slog.Logger, outcome *imageset.Outcome, scanned int) {
	logger.Info("duplicate detection complete",
		logging.String(logging.FieldEventType, "dedupe_summary"),
		logging.Int("scanned", scanned),
		logging.Int("duplicates_removed", outcome.DuplicatesRemoved),
	)
}
