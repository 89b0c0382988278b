// Package config provides configuration loading and validation for the FLV media server.
// It handles YAML-based configuration layered over defaults, with per-section validation.
package config
