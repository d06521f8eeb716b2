// Package archive packs validated images into a single compressed artifact.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chunkpipe/internal/config"
	"chunkpipe/internal/fileutil"
	"chunkpipe/internal/imageset"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

// Entry describes one packed file.
type Entry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Artifact is the packed archive on local disk.
type Artifact struct {
	Path    string  `json:"path"`
	Format  string  `json:"format"`
	Bytes   int64   `json:"bytes"`
	SHA256  string  `json:"sha256"`
	Entries []Entry `json:"entries"`
}

// EntryCount returns the number of packed files.
func (a *Artifact) EntryCount() int {
	if a == nil {
		return 0
	}
	return len(a.Entries)
}

// Extension returns the file extension used for format.
func Extension(format string) string {
	if format == config.ArchiveFormatTarGz {
		return "tar.gz"
	}
	return "zip"
}

// FileName returns the deterministic artifact name for a chunk.
func FileName(chunkID, format string) string {
	return fmt.Sprintf("chunk_%s.%s", safeID(chunkID), Extension(format))
}

// Archiver writes artifacts in one configured format.
type Archiver struct {
	format string
	level  int
	logger *slog.Logger
}

// New builds an archiver. Unknown formats fall back to zip.
func New(format string, level int, logger *slog.Logger) *Archiver {
	if format != config.ArchiveFormatTarGz {
		format = config.ArchiveFormatZip
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Archiver{format: format, level: level, logger: logging.NewComponentLogger(logger, "archive")}
}

// Format returns the configured container format.
func (a *Archiver) Format() string { return a.format }

// Pack writes files into destDir/chunk_<id>.<ext>, replacing any earlier
// artifact for the same chunk. The artifact is written to a temporary name
// and renamed once complete.
func (a *Archiver) Pack(ctx context.Context, chunkID string, files []*imageset.Candidate, destDir string) (*Artifact, error) {
	if len(files) == 0 {
		return nil, services.Wrap(services.ErrValidationExhausted, "", "archive", "no files to pack", nil)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "", "archive", "create artifact directory", err)
	}

	finalPath := filepath.Join(destDir, FileName(chunkID, a.format))
	tmpPath := finalPath + ".partial"
	out, err := os.Create(tmpPath)
	if err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "", "archive", "create artifact", err)
	}

	var entries []Entry
	if a.format == config.ArchiveFormatTarGz {
		entries, err = a.writeTarGz(ctx, out, files)
	} else {
		entries, err = a.writeZip(ctx, out, files)
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = services.Wrap(services.ErrFilesystem, "", "archive", "close artifact", closeErr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, services.Wrap(services.ErrFilesystem, "", "archive", "finalize artifact", err)
	}

	sum, size, err := fileutil.HashFile(finalPath)
	if err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "", "archive", "hash artifact", err)
	}
	artifact := &Artifact{Path: finalPath, Format: a.format, Bytes: size, SHA256: sum, Entries: entries}
	logging.WithContext(ctx, a.logger).Info("artifact packed",
		logging.String(logging.FieldEventType, "archive_packed"),
		logging.String("path", finalPath),
		logging.Int("entries", len(entries)),
		logging.Int64("bytes", size),
	)
	return artifact, nil
}

func (a *Archiver) writeZip(ctx context.Context, out io.Writer, files []*imageset.Candidate) ([]Entry, error) {
	zw := zip.NewWriter(out)
	level := a.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header := &zip.FileHeader{Name: f.Name, Method: zip.Deflate}
		header.Modified = modTime(f.Path)
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, services.Wrap(services.ErrFilesystem, "", "archive", f.Name, err)
		}
		entry, err := copyEntry(w, f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := zw.Close(); err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "", "archive", "finish zip", err)
	}
	return entries, nil
}

func (a *Archiver) writeTarGz(ctx context.Context, out io.Writer, files []*imageset.Candidate) ([]Entry, error) {
	gz, err := gzip.NewWriterLevel(out, a.level)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "archive", "gzip level", err)
	}
	tw := tar.NewWriter(gz)
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			return nil, services.Wrap(services.ErrFilesystem, "", "archive", f.Name, err)
		}
		header := &tar.Header{
			Name:    f.Name,
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, services.Wrap(services.ErrFilesystem, "", "archive", f.Name, err)
		}
		entry, err := copyEntry(tw, f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := tw.Close(); err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "", "archive", "finish tar", err)
	}
	if err := gz.Close(); err != nil {
		return nil, services.Wrap(services.ErrFilesystem, "", "archive", "finish gzip", err)
	}
	return entries, nil
}

func copyEntry(w io.Writer, f *imageset.Candidate) (Entry, error) {
	in, err := os.Open(f.Path)
	if err != nil {
		return Entry{}, services.Wrap(services.ErrFilesystem, "", "archive", f.Name, err)
	}
	defer in.Close()
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), in)
	if err != nil {
		return Entry{}, services.Wrap(services.ErrFilesystem, "", "archive", f.Name, err)
	}
	return Entry{Name: f.Name, SHA256: hex.EncodeToString(hasher.Sum(nil)), Bytes: n}, nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}

func safeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
