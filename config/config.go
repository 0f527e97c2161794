package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/consometers/quoalise/session"
)

// Config represents the complete agent configuration
type Config struct {
	Version   string          `json:"version"` // Semantic version (e.g., "1.0.0")
	Agent     AgentConfig     `json:"agent"`
	NATS      NATSConfig      `json:"nats"`
	Session   session.Config  `json:"session"`
	Upstream  UpstreamConfig  `json:"upstream"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
}

// AgentConfig defines agent identity
type AgentConfig struct {
	// ID is the agent identifier, used as a NATS subject token
	// (e.g., "sandbox" listens on quoalise.agent.sandbox.command)
	ID string `json:"id"`
	// DefaultDevice pre-fills the identifier field of the dialog prompt
	DefaultDevice string `json:"default_device,omitempty"`
}

// UpstreamConfig defines the upstream data source settings
type UpstreamConfig struct {
	// Issuer identifies the upstream system in relayed errors
	Issuer string `json:"issuer"`
	// RequestTimeout bounds one upstream history query
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// RateLimitConfig bounds per-requester command throughput
type RateLimitConfig struct {
	RPS   float64 `json:"rps,omitempty"`
	Burst int     `json:"burst,omitempty"`
}

// MetricsConfig defines the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// LogConfig defines logging output settings
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text or json
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string        `json:"urls,omitempty"`
	MaxReconnects int             `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration   `json:"reconnect_wait,omitempty"`
	Username      string          `json:"username,omitempty"`
	Password      string          `json:"password,omitempty"`
	Token         string          `json:"token,omitempty"`
	TLS           NATSTLSConfig   `json:"tls,omitempty"`
	JetStream     JetStreamConfig `json:"jetstream,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// JetStreamConfig for JetStream settings
type JetStreamConfig struct {
	Enabled bool `json:"enabled"`
	// Domain is the JetStream domain, empty for the default
	Domain string `json:"domain,omitempty"`
	// Stream is the stream holding subscription push data
	Stream string `json:"stream,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	// Validate before updating
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	// Use JSON marshaling/unmarshaling for deep copy
	data, err := json.Marshal(c)
	if err != nil {
		// Fallback to shallow copy if marshaling fails
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		// Fallback to shallow copy if unmarshaling fails
		copied := *c
		return &copied
	}

	return &clone
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return errors.New("agent.id is required")
	}

	// Normalize the agent id to lowercase
	c.Agent.ID = strings.ToLower(c.Agent.ID)

	// The agent id becomes a NATS subject token
	if !isValidNATSSubjectPart(c.Agent.ID) {
		return fmt.Errorf(
			"agent.id '%s' is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
			c.Agent.ID,
		)
	}

	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}

	if err := c.validateTLS(); err != nil {
		return fmt.Errorf("tls configuration: %w", err)
	}

	if c.Upstream.Issuer == "" {
		return errors.New("upstream.issuer is required")
	}
	if c.Upstream.RequestTimeout < 0 {
		return errors.New("upstream.request_timeout must not be negative")
	}

	if c.RateLimit.RPS < 0 {
		return errors.New("rate_limit.rps must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		return errors.New("rate_limit.burst must not be negative")
	}

	c.Session.SetDefaults()
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration: %w", err)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level '%s' is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format '%s' is not one of text, json", c.Log.Format)
	}

	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// validateTLS validates the NATS TLS configuration
func (c *Config) validateTLS() error {
	if !c.NATS.TLS.Enabled {
		return nil
	}

	if c.NATS.TLS.CertFile != "" {
		if _, err := os.Stat(c.NATS.TLS.CertFile); err != nil {
			return fmt.Errorf("cert_file: %w", err)
		}
	}
	if c.NATS.TLS.KeyFile != "" {
		if _, err := os.Stat(c.NATS.TLS.KeyFile); err != nil {
			return fmt.Errorf("key_file: %w", err)
		}
	}
	if c.NATS.TLS.CAFile != "" {
		if _, err := os.Stat(c.NATS.TLS.CAFile); err != nil {
			return fmt.Errorf("ca_file: %w", err)
		}
	}
	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "QUOALISE",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := l.getDefaults()

	// Load each layer and merge using map-based approach
	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	// Apply environment overrides
	l.applyEnvOverrides(cfg)

	// Validate if enabled
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// getDefaults returns default configuration
func (l *Loader) getDefaults() *Config {
	cfg := &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: JetStreamConfig{
				Enabled: true,
				Stream:  "QUOALISE_DATA",
			},
		},
		Upstream: UpstreamConfig{
			RequestTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
	cfg.Session.SetDefaults()
	return cfg
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	// Use secure file reading with validation
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	// Validate JSON depth to prevent DoS
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	// Unmarshal into map
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	// Convert duration strings
	l.parseDurations(rawConfig)

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	// Marshal the base config to JSON then to map
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	// Deep merge the maps
	mergedMap := l.deepMergeMaps(baseMap, override)

	// Convert back to Config
	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	// Copy base values
	for k, v := range base {
		result[k] = v
	}

	// Override with values from override map
	for k, v := range override {
		if v == nil {
			continue
		}

		// If both base and override have maps at this key, merge them
		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		// Otherwise, override takes precedence
		result[k] = v
	}

	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func (l *Loader) parseDurations(data map[string]any) {
	parse := func(section map[string]any, key string) {
		if s, ok := section[key].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				section[key] = d.Nanoseconds()
			}
		}
	}

	if nats, ok := data["nats"].(map[string]any); ok {
		parse(nats, "reconnect_wait")
	}
	if sess, ok := data["session"].(map[string]any); ok {
		parse(sess, "timeout")
		parse(sess, "sweep_interval")
	}
	if upstream, ok := data["upstream"].(map[string]any); ok {
		parse(upstream, "request_timeout")
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	override := func(key string, apply func(string)) {
		val := os.Getenv(l.envPrefix + key)
		if val == "" {
			return
		}
		if err := validateEnvVar(l.envPrefix+key, val); err != nil {
			return
		}
		apply(val)
	}

	// Agent overrides
	override("_AGENT_ID", func(v string) { cfg.Agent.ID = v })

	// NATS overrides
	override("_NATS_URLS", func(v string) { cfg.NATS.URLs = strings.Split(v, ",") })
	override("_NATS_USERNAME", func(v string) { cfg.NATS.Username = v })
	override("_NATS_PASSWORD", func(v string) { cfg.NATS.Password = v })
	override("_NATS_TOKEN", func(v string) { cfg.NATS.Token = v })

	// Log overrides
	override("_LOG_LEVEL", func(v string) { cfg.Log.Level = v })
	override("_LOG_FORMAT", func(v string) { cfg.Log.Format = v })
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Use secure file writing with validation
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// UnmarshalJSON implements custom JSON unmarshaling for Config so that
// duration fields accept both strings and nanosecond numbers
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		NATS struct {
			URLs          []string        `json:"urls"`
			MaxReconnects int             `json:"max_reconnects"`
			ReconnectWait any             `json:"reconnect_wait"`
			Username      string          `json:"username,omitempty"`
			Password      string          `json:"password,omitempty"`
			Token         string          `json:"token,omitempty"`
			TLS           NATSTLSConfig   `json:"tls,omitempty"`
			JetStream     JetStreamConfig `json:"jetstream"`
		} `json:"nats"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	// Handle NATS config
	c.NATS.URLs = aux.NATS.URLs
	c.NATS.MaxReconnects = aux.NATS.MaxReconnects
	c.NATS.Username = aux.NATS.Username
	c.NATS.Password = aux.NATS.Password
	c.NATS.Token = aux.NATS.Token
	c.NATS.TLS = aux.NATS.TLS
	c.NATS.JetStream = aux.NATS.JetStream

	// Parse ReconnectWait
	switch v := aux.NATS.ReconnectWait.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.NATS.ReconnectWait = d
	case float64:
		c.NATS.ReconnectWait = time.Duration(v)
	}

	return nil
}
