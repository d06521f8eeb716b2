package imageset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chunkpipe/internal/config"
	"chunkpipe/internal/fileutil"
	"chunkpipe/internal/services"
)

// Action is what happens to a rejected file.
type Action string

const (
	ActionRemove     Action = config.ActionRemove
	ActionQuarantine Action = config.ActionQuarantine
	ActionReportOnly Action = config.ActionReportOnly
)

// ParseAction validates a configured action name.
func ParseAction(value string) (Action, error) {
	switch Action(value) {
	case ActionRemove, ActionQuarantine, ActionReportOnly:
		return Action(value), nil
	}
	return "", services.Wrap(services.ErrConfiguration, "", "", fmt.Sprintf("unknown removal action %q", value), nil)
}

// Disposer applies an Action to rejected candidates. Files are never packed
// once disposed, whatever the action.
type Disposer struct {
	Action Action
	// QuarantineDir receives quarantined files, grouped by removal kind.
	QuarantineDir string
}

// ForContext scopes quarantine to the chunk carried by ctx, so files from
// different chunks never mix.
func (d Disposer) ForContext(ctx context.Context) Disposer {
	if id, ok := services.ChunkIDFromContext(ctx); ok && d.QuarantineDir != "" {
		d.QuarantineDir = filepath.Join(d.QuarantineDir, sanitize(id))
	}
	return d
}

// Dispose applies the action to c and returns the populated removal record.
func (d Disposer) Dispose(c *Candidate, r Removal) (Removal, error) {
	r.Name = c.Name
	r.Action = d.Action
	switch d.Action {
	case ActionReportOnly:
		return r, nil
	case ActionQuarantine:
		if d.QuarantineDir == "" {
			return r, services.Wrap(services.ErrConfiguration, "", "quarantine", "quarantine directory not set", nil)
		}
		dest := fileutil.UniquePath(filepath.Join(d.QuarantineDir, string(r.Kind), filepath.FromSlash(c.Name)))
		if err := fileutil.MoveFile(c.Path, dest); err != nil {
			return r, services.Wrap(services.ErrFilesystem, "", "quarantine", c.Name, err)
		}
		r.Destination = dest
		return r, nil
	default:
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
			return r, services.Wrap(services.ErrFilesystem, "", "remove", c.Name, err)
		}
		return r, nil
	}
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 || b.String() == "." || b.String() == ".." {
		return "chunk"
	}
	return b.String()
}
