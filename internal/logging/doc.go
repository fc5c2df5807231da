// Package logging assembles structured slog loggers and formatting helpers
// used across tonearm components.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes the standard field keys so transport, channel, cache
// and stream code tag their lines consistently (session, channel, stream and
// chunk identifiers). A no-op logger is provided for tests and wiring code
// that cannot fail.
package logging
