package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks malformed templates, unknown step types, and
	// other operator mistakes. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrValidation marks inputs that fail structural checks.
	ErrValidation = errors.New("validation error")
	// ErrTransient marks failures worth retrying (network, worker unreachable).
	ErrTransient = errors.New("transient failure")
	// ErrExternalTool marks subprocess or collaborator failures.
	ErrExternalTool = errors.New("external tool error")
	// ErrNotFound marks missing records or files.
	ErrNotFound = errors.New("not found")
	// ErrTimeout marks operations abandoned after a deadline.
	ErrTimeout = errors.New("timeout")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether an error is worth retrying. Configuration and
// validation failures are permanent; everything else defaults to retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrValidation):
		return false
	default:
		return true
	}
}

// Kind returns a short classification label for logging and persisted
// failure reasons.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExternalTool):
		return "external_tool"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
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
