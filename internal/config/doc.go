// Package config loads and validates turboguard's TOML configuration.
//
// A missing configuration file is not an error: Load returns the defaults so
// the CLI runs with flags alone. Unknown keys are rejected.
package config
