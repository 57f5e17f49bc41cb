// Package logging wires log/slog for the loom daemon and CLI.
//
// It provides logger construction from config (console or JSON handlers,
// optional file fan-out), standardized field keys shared across packages,
// attr helpers, and context plumbing so worker and item identifiers follow
// an operation through every log line.
package logging
