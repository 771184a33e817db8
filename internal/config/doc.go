// Package config handles configuration loading, parsing, and validation
// from defaults, an optional YAML file and SCANRELAY_ environment variables.
// It provides type-safe access to queue, safety, dead-letter, health and
// attestation settings while keeping configuration details separate from
// business logic.
package config
