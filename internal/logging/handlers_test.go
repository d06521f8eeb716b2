package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

func TestTeeHandlerRespectsPerHandlerLevels(t *testing.T) {
	var infoBuf, debugBuf bytes.Buffer
	infoHandler := slog.NewTextHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	debugHandler := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(logging.TeeHandler(infoHandler, debugHandler)).With("chunk_id", "c1")
	logger.Debug("only debug")
	logger.Info("both")

	if strings.Contains(infoBuf.String(), "only debug") {
		t.Fatal("info handler received debug record")
	}
	if !strings.Contains(debugBuf.String(), "only debug") || !strings.Contains(debugBuf.String(), "both") {
		t.Fatalf("debug handler missing records: %q", debugBuf.String())
	}
	if !strings.Contains(infoBuf.String(), "chunk_id=c1") {
		t.Fatalf("expected WithAttrs to propagate: %q", infoBuf.String())
	}
}

func TestTeeHandlerCollapsesNilHandlers(t *testing.T) {
	handler := logging.TeeHandler(nil, nil)
	if handler.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected discarding handler when no handlers supplied")
	}
}

func TestJSONLoggerFlattensErrorKind(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	failure := services.Wrap(services.ErrTransientNetwork, "uploading", "put", "blob store unavailable", errors.New("503"))
	logger.Error("upload failed", logging.Error(failure), logging.ErrorKind(failure), logging.Hint("check blob endpoint"))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := entry["error"].(string); !ok {
		t.Fatalf("expected error flattened to a string, got %T", entry["error"])
	}
	want := fmt.Sprint(services.KindOf(failure))
	if entry["error_kind"] != want || entry["error_hint"] != "check blob endpoint" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
