package logging

import (
	"log/slog"
	"time"

	"chunkpipe/internal/services"
)

type Attr = slog.Attr

func String(key, value string) Attr { return slog.String(key, value) }

func Int(key string, value int) Attr { return slog.Int(key, value) }

func Int64(key string, value int64) Attr { return slog.Int64(key, value) }

func Bool(key string, value bool) Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }

func Any(key string, value any) Attr { return slog.Any(key, value) }

// Error records err under "error". A nil error is rendered as "<nil>" so the
// key is always present on failure lines.
func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// ErrorKind records the taxonomy kind of err, e.g. TransientNetworkError.
func ErrorKind(err error) Attr {
	return slog.String(FieldErrorKind, string(services.KindOf(err)))
}

// Hint records an operator-facing remediation hint.
func Hint(text string) Attr { return slog.String(FieldErrorHint, text) }

func toArgs(attrs []Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}
