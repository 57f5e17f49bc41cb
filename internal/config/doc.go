// Package config loads, validates, and normalizes loom configuration.
//
// Configuration comes from a TOML file (default ~/.config/loom/config.toml,
// or loom.toml in the working directory) layered over repository defaults.
// Path fields are tilde-expanded and made absolute during Load so the rest
// of the codebase never deals with relative or unexpanded paths.
package config
