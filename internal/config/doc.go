// Package config loads, normalizes, and validates Flotilla configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// FLOTILLA_REDIS_PASSWORD. The Config type centralizes every knob the run
// command needs: broker driver and tuning, local backend limits, workflow
// pacing and heartbeat windows, and log output.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical enum values, and clear validation errors.
package config
