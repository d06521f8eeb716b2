// Package config loads, normalizes, and validates chunkpipe configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CHUNKPIPE_BLOB_TOKEN. The Config type centralizes every knob the worker and
// CLI need, so the controller, retry executors, and status manager all receive
// the same value constructed once at process start.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical enum values, and clear validation errors.
package config
