// Package logging builds the shared slog loggers used across fetcharr.
//
// Loggers write to stdout and, when a log directory is configured, to
// fetcharr.log inside it. Components derive child loggers via
// NewComponentLogger so every record carries a stable component attribute.
package logging
