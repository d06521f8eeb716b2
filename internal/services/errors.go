package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	ErrConfiguration       = errors.New("configuration error")
	ErrTransientNetwork    = errors.New("transient network error")
	ErrFilesystem          = errors.New("filesystem error")
	ErrValidationExhausted = errors.New("no valid images remaining")
	ErrIntegrity           = errors.New("integrity check failed")
	ErrRetryExhausted      = errors.New("retry budget exhausted")
	ErrTimeout             = errors.New("timeout")
	ErrAlreadyProcessing   = errors.New("chunk already processing")
	ErrExternalTool        = errors.New("external tool error")
	ErrNotFound            = errors.New("not found")
)

// Kind names an error class in operator-facing failure messages.
type Kind string

const (
	KindConfiguration        Kind = "ConfigurationError"
	KindTransientNetwork     Kind = "TransientNetworkError"
	KindFilesystem           Kind = "FilesystemError"
	KindValidationExhaustion Kind = "ValidationExhaustion"
	KindIntegrity            Kind = "IntegrityError"
	KindRetryExhausted       Kind = "RetryExhausted"
	KindTimeout              Kind = "Timeout"
	KindExternalTool         Kind = "ExternalToolError"
	KindNotFound             Kind = "NotFound"
	KindUnknown              Kind = "Error"
)

// Wrap builds an error message that includes phase context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, phase, operation, message string, err error) error {
	detail := buildDetail(phase, operation, message)
	if marker == nil {
		marker = ErrExternalTool
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies err into the error taxonomy. Timeouts win over retry
// exhaustion so a run that ran out of time reports as such.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrRetryExhausted):
		return KindRetryExhausted
	case errors.Is(err, ErrValidationExhausted):
		return KindValidationExhaustion
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrTransientNetwork):
		return KindTransientNetwork
	case errors.Is(err, ErrFilesystem):
		return KindFilesystem
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrExternalTool):
		return KindExternalTool
	default:
		return KindUnknown
	}
}

// FailureMessage renders the persisted error_message for a failed chunk in the
// form "<phase>: <kind>: <detail>".
func FailureMessage(phase string, err error) string {
	if err == nil {
		return ""
	}
	phase = strings.TrimSpace(phase)
	if phase == "" {
		phase = "pipeline"
	}
	return fmt.Sprintf("%s: %s: %s", phase, KindOf(err), err.Error())
}

// IsRetriableNetwork reports whether err is a transient network failure worth
// another attempt. Configuration errors and cancellation are never retried.
func IsRetriableNetwork(err error) bool {
	if err == nil || isTerminal(err) {
		return false
	}
	if errors.Is(err, ErrTransientNetwork) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetriableFilesystem reports whether err is a filesystem failure that may
// clear on its own, such as lock contention.
func IsRetriableFilesystem(err error) bool {
	if err == nil || isTerminal(err) {
		return false
	}
	return errors.Is(err, ErrFilesystem)
}

func isTerminal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrValidationExhausted) ||
		errors.Is(err, ErrIntegrity)
}

func buildDetail(phase, operation, message string) string {
	parts := make([]string, 0, 3)
	if phase = strings.TrimSpace(phase); phase != "" {
		parts = append(parts, phase)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
