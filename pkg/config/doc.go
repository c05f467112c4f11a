// Package config loads trove configuration from TROVE_* environment
// variables into an explicit Config struct constructed once at process start
// and passed by injection to each component constructor.
//
// There is no ambient mutable settings object: code paths that need a
// different storage root (import/export) construct a separate adapter
// instance scoped to the operation instead of mutating shared state.
package config
