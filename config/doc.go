// Package config provides configuration management for the quoalise agent.
//
// This package handles loading and validation of application configuration
// from JSON files and environment variables.
//
// # Core Components
//
// Config: Main configuration structure containing agent identity, NATS
// connection details, session lifecycle, upstream source, rate limiting,
// metrics and logging settings.
//
// SafeConfig: Thread-safe wrapper using RWMutex and deep cloning to prevent
// concurrent access issues and accidental mutations.
//
// Loader: Loads configuration with layer merging (base + overrides) and
// environment variable overrides for flexible deployment scenarios.
//
// # Basic Usage
//
// Loading configuration from files with layer merging:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.json")
//	loader.AddLayer("config/production.json") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Duration fields accept Go duration strings in JSON ("30s", "5m") as well
// as nanosecond numbers.
//
// # Environment Overrides
//
// A fixed set of QUOALISE_* environment variables overrides file values,
// intended for credentials and per-deployment identity:
//
//	QUOALISE_AGENT_ID
//	QUOALISE_NATS_URLS (comma-separated)
//	QUOALISE_NATS_USERNAME, QUOALISE_NATS_PASSWORD, QUOALISE_NATS_TOKEN
//	QUOALISE_LOG_LEVEL, QUOALISE_LOG_FORMAT
//
// # Security
//
// Config files are read through hardened helpers: path traversal checks,
// a size cap, and a JSON nesting depth cap. Saved files are written with
// owner-only permissions.
package config
