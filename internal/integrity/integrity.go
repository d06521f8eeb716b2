// Package integrity rejects downloaded files that are corrupt or too small to
// be useful.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chunkpipe/internal/config"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

// Mode controls how a failed check affects the chunk.
type Mode string

const (
	// ModeStrict aborts the chunk on the first failure.
	ModeStrict Mode = config.ValidationStrict
	// ModeLenient disposes failing files and continues.
	ModeLenient Mode = config.ValidationLenient
	// ModeReportOnly records failures, keeps the files, and excludes them.
	ModeReportOnly Mode = config.ValidationReportOnly
)

// ParseMode accepts config spellings such as "STRICT" or "report-only".
func ParseMode(value string) (Mode, error) {
	normalized := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_"))
	switch normalized {
	case ModeStrict, ModeLenient, ModeReportOnly:
		return normalized, nil
	}
	return "", services.Wrap(services.ErrConfiguration, "", "", fmt.Sprintf("unknown validation mode %q", value), nil)
}

// Rules are the minimum acceptable properties of an image.
type Rules struct {
	MinFileSize int64
	MinWidth    int
	MinHeight   int
}

// RulesFromConfig reads thresholds from the validation section.
func RulesFromConfig(v config.Validation) Rules {
	return Rules{
		MinFileSize: int64(v.MinFileSize.Bytes()),
		MinWidth:    v.MinImageWidth,
		MinHeight:   v.MinImageHeight,
	}
}

// Validator inspects each candidate against Rules.
type Validator struct {
	mode     Mode
	rules    Rules
	disposer imageset.Disposer
	logger   *slog.Logger
}

// New builds a validator. In report-only mode the disposer action is forced
// to report_only so no file is touched.
func New(mode Mode, rules Rules, disposer imageset.Disposer, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if mode == ModeReportOnly {
		disposer.Action = imageset.ActionReportOnly
	}
	return &Validator{
		mode:     mode,
		rules:    rules,
		disposer: disposer,
		logger:   logging.NewComponentLogger(logger, "integrity"),
	}
}

// Check returns the removal kind and reason for a failing candidate, or ""
// when it passes.
func (v *Validator) Check(c *imageset.Candidate) (imageset.RemovalKind, string) {
	if v.rules.MinFileSize > 0 && c.Size < v.rules.MinFileSize {
		return imageset.KindTooSmall, fmt.Sprintf("file size %d below minimum %d", c.Size, v.rules.MinFileSize)
	}
	format, width, height, err := c.Inspect()
	if err != nil {
		return imageset.KindCorrupt, fmt.Sprintf("decode failed: %v", err)
	}
	if width < v.rules.MinWidth || height < v.rules.MinHeight {
		return imageset.KindUndersized, fmt.Sprintf("%s %dx%d below minimum %dx%d", format, width, height, v.rules.MinWidth, v.rules.MinHeight)
	}
	return "", ""
}

// Validate records failures into outcome and returns the files that passed.
// Zero survivors is reported as ErrValidationExhausted whatever the mode.
func (v *Validator) Validate(ctx context.Context, candidates []*imageset.Candidate, outcome *imageset.Outcome) ([]*imageset.Candidate, error) {
	logger := logging.WithContext(ctx, v.logger)
	disposer := v.disposer.ForContext(ctx)
	valid := make([]*imageset.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, reason := v.Check(c)
		if kind == "" {
			valid = append(valid, c)
			continue
		}
		if v.mode == ModeStrict {
			logger.Warn("integrity check failed in strict mode",
				logging.String("file", c.Name),
				logging.String("kind", string(kind)),
				logging.String("reason", reason),
			)
			return nil, services.Wrap(services.ErrIntegrity, "", string(kind), fmt.Sprintf("%s: %s", c.Name, reason), nil)
		}
		removal, err := disposer.Dispose(c, imageset.Removal{Kind: kind, Reason: reason})
		if err != nil {
			return nil, err
		}
		outcome.Record(removal)
		logger.Debug("image rejected",
			logging.String("file", c.Name),
			logging.String("kind", string(kind)),
			logging.String("reason", reason),
			logging.String("action", string(removal.Action)),
		)
	}

	logger.Info("integrity validation complete",
		logging.String(logging.FieldEventType, "validation_summary"),
		logging.String("mode", string(v.mode)),
		logging.Int("checked", len(candidates)),
		logging.Int("corrupted_removed", outcome.CorruptedRemoved),
		logging.Int("valid_remaining", outcome.ValidRemaining),
	)
	if len(valid) == 0 || outcome.ValidRemaining <= 0 {
		return nil, services.Wrap(services.ErrValidationExhausted, "", "", fmt.Sprintf("0 of %d downloaded images survived validation", outcome.Downloaded), nil)
	}
	return valid, nil
}
