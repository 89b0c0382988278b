package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Lordmau5/Node-Media-Server/internal/event"
)

// Unpublish policies applied to the players of a publisher that goes away
const (
	UnpublishPolicyIdle      = "idle"
	UnpublishPolicyTerminate = "terminate"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ingest  IngestConfig  `yaml:"ingest"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Relay   RelayConfig   `yaml:"relay"`
	Hooks   HooksConfig   `yaml:"hooks"`
	History HistoryConfig `yaml:"history"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains the HTTP-FLV / WebSocket-FLV listener configuration
type ServerConfig struct {
	Port         int    `yaml:"port"`
	Address      string `yaml:"address"`
	AllowOrigin  string `yaml:"allow_origin"`
	WebSocket    bool   `yaml:"websocket"`
	WriteTimeout int    `yaml:"write_timeout"` // seconds, 0 disables
}

// IngestConfig contains the FLV publish listener configuration
type IngestConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Port           int    `yaml:"port"`
	Address        string `yaml:"address"`
	ReadBufferSize int    `yaml:"read_buffer_size"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AuthConfig contains signature verification policy
type AuthConfig struct {
	Play    bool   `yaml:"play"`
	Publish bool   `yaml:"publish"`
	Secret  string `yaml:"secret"`
}

// RelayConfig contains publisher relay behaviour
type RelayConfig struct {
	GOPCache          bool   `yaml:"gop_cache"`
	GOPCacheLimit     int    `yaml:"gop_cache_limit"` // bytes, 0 = unbounded
	UnpublishPolicy   string `yaml:"unpublish_policy"`
	MaxPendingTags    int    `yaml:"max_pending_tags"`    // 0 = blocking writes, never drop
	IdlePlayerTimeout int    `yaml:"idle_player_timeout"` // seconds, 0 = wait forever
}

// HooksConfig contains webhook notification configuration
type HooksConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Endpoint      string   `yaml:"endpoint"`
	Timeout       int      `yaml:"timeout"` // seconds
	MaxRetries    int      `yaml:"max_retries"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Events        []string `yaml:"events"` // empty = every event
}

// HistoryConfig contains session history storage configuration
type HistoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for keys absent from the file
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8000,
			Address:      "0.0.0.0",
			AllowOrigin:  "*",
			WebSocket:    true,
			WriteTimeout: 10,
		},
		Ingest: IngestConfig{
			Enabled:        true,
			Port:           8001,
			Address:        "0.0.0.0",
			ReadBufferSize: 32 * 1024,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Relay: RelayConfig{
			GOPCache:        true,
			UnpublishPolicy: UnpublishPolicyIdle,
		},
		Hooks: HooksConfig{
			Timeout:       5,
			MaxRetries:    3,
			MaxConcurrent: 10,
		},
		History: HistoryConfig{
			Path:      "./flv-history.db",
			QueueSize: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Hooks.Validate(); err != nil {
		return fmt.Errorf("hooks config: %w", err)
	}

	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates FLV listener configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout cannot be negative, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates ingest configuration
func (i *IngestConfig) Validate() error {
	if !i.Enabled {
		return nil
	}

	if i.Port < 1 || i.Port > 65535 {
		return fmt.Errorf("ingest port must be between 1 and 65535, got %d", i.Port)
	}

	if i.Address == "" {
		return fmt.Errorf("ingest address cannot be empty when ingest is enabled")
	}

	if i.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", i.ReadBufferSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates auth configuration
func (a *AuthConfig) Validate() error {
	if (a.Play || a.Publish) && a.Secret == "" {
		return fmt.Errorf("secret cannot be empty when play or publish auth is enabled")
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.GOPCacheLimit < 0 {
		return fmt.Errorf("gop_cache_limit cannot be negative, got %d", r.GOPCacheLimit)
	}

	if r.UnpublishPolicy != UnpublishPolicyIdle && r.UnpublishPolicy != UnpublishPolicyTerminate {
		return fmt.Errorf("unpublish_policy must be '%s' or '%s', got '%s'",
			UnpublishPolicyIdle, UnpublishPolicyTerminate, r.UnpublishPolicy)
	}

	if r.MaxPendingTags < 0 {
		return fmt.Errorf("max_pending_tags cannot be negative, got %d", r.MaxPendingTags)
	}

	if r.IdlePlayerTimeout < 0 {
		return fmt.Errorf("idle_player_timeout cannot be negative, got %d", r.IdlePlayerTimeout)
	}

	return nil
}

// Validate validates webhook configuration
func (h *HooksConfig) Validate() error {
	if !h.Enabled {
		return nil
	}

	if h.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when hooks are enabled")
	}

	if h.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", h.Timeout)
	}

	if h.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", h.MaxRetries)
	}

	if h.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", h.MaxConcurrent)
	}

	if _, err := h.EventKinds(); err != nil {
		return err
	}

	return nil
}

// Validate validates history configuration
func (h *HistoryConfig) Validate() error {
	if !h.Enabled {
		return nil
	}

	if h.Path == "" {
		return fmt.Errorf("path cannot be empty when history is enabled")
	}

	if h.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", h.QueueSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetWriteTimeoutDuration returns the per-write deadline as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetIdlePlayerTimeoutDuration returns the idle player timeout as a time.Duration
func (r *RelayConfig) GetIdlePlayerTimeoutDuration() time.Duration {
	return time.Duration(r.IdlePlayerTimeout) * time.Second
}

// GetTimeoutDuration returns the webhook timeout as a time.Duration
func (h *HooksConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// EventKinds resolves the configured event names; nil means every event
func (h *HooksConfig) EventKinds() ([]event.Kind, error) {
	if len(h.Events) == 0 {
		return nil, nil
	}

	kinds := make([]event.Kind, 0, len(h.Events))
	for _, name := range h.Events {
		kind, err := event.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
