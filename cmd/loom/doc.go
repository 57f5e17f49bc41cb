// Command loom is the operator CLI for the workflow queue engine. It talks
// to the shared SQLite database directly, so most commands work whether or
// not loomd is running.
package main
