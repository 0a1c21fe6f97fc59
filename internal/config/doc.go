// Package config loads, validates and hot-reloads the bot configuration.
// YAML and JSON are both accepted; YAML is coerced to JSON so one strict
// decoder rejects unknown fields in either format.
package config
