// Package config loads, normalizes, and validates tonearm configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts and XDG_CACHE_HOME), reads TOML files, and honours environment
// fallbacks for the transport keys. The Config type centralizes the cache
// location, the chunk-stream tuning knobs, the access point address and the
// logging setup.
package config
