// Package logging builds the process slog logger and provides shared
// attribute helpers so components log with consistent field names.
package logging
