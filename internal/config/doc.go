// Package config loads, normalizes, and validates fetcharr's TOML
// configuration.
package config
