// ABOUTME: Configuration loading and parsing for coven-council
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_COUNCIL_CONFIG"

// Config represents the complete coven-council configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Protocol     ProtocolConfig     `yaml:"protocol" toml:"protocol"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Meeting      MeetingConfig      `yaml:"meeting" toml:"meeting"`
	Agents       []AgentConfig      `yaml:"agents" toml:"agents"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// ProtocolConfig holds dispatcher settings
type ProtocolConfig struct {
	ValidateRecipients bool `yaml:"validate_recipients" toml:"validate_recipients"`
	DedupeSize         int  `yaml:"dedupe_size" toml:"dedupe_size"`

	SendTimeout    time.Duration `yaml:"-" toml:"-"`
	HandlerTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SendTimeoutRaw    string `yaml:"send_timeout" toml:"send_timeout"`
	HandlerTimeoutRaw string `yaml:"handler_timeout" toml:"handler_timeout"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// ConversationConfig holds conversation engine settings
type ConversationConfig struct {
	ContextWindow int `yaml:"context_window" toml:"context_window"`
	SummarySample int `yaml:"summary_sample" toml:"summary_sample"`
}

// MeetingConfig holds meeting settings
type MeetingConfig struct {
	BroadcastConcurrency int `yaml:"broadcast_concurrency" toml:"broadcast_concurrency"`
}

// AgentConfig seeds one entry of the agent registry
type AgentConfig struct {
	ID   string `yaml:"id" toml:"id"`
	Type string `yaml:"type,omitempty" toml:"type,omitempty"`
	Name string `yaml:"name,omitempty" toml:"name,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Database: DatabaseConfig{Path: filepath.Join(DataDir(), "council.db")},
		Protocol: ProtocolConfig{ValidateRecipients: true},
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config location when neither the flag nor the
// environment names one: $XDG_CONFIG_HOME/coven/council.yaml.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "council.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "council.yaml")
}

// ResolvePath picks the config file.
// Priority: flag value > COVEN_COUNCIL_CONFIG > DefaultPath().
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}
	return DefaultPath()
}

// DataDir returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(expandEnvVars(string(data)), isTOML(path))
}

// Parse decodes configuration text, applies defaults and validates it.
func Parse(text string, asTOML bool) (*Config, error) {
	var cfg Config
	if asTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Write serializes cfg to path in the format its extension selects,
// creating parent directories. Existing files are overwritten.
func Write(path string, cfg *Config) error {
	cfg.syncRaw()

	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Protocol.SendTimeout == 0 {
		c.Protocol.SendTimeout = 5 * time.Second
	}
	if c.Protocol.HandlerTimeout == 0 {
		c.Protocol.HandlerTimeout = 30 * time.Second
	}
	if c.Protocol.DedupeTTL == 0 {
		c.Protocol.DedupeTTL = 10 * time.Minute
	}
	if c.Protocol.DedupeSize == 0 {
		c.Protocol.DedupeSize = 10000
	}
	if c.Conversation.ContextWindow == 0 {
		c.Conversation.ContextWindow = 10
	}
	if c.Conversation.SummarySample == 0 {
		c.Conversation.SummarySample = 100
	}
	if c.Meeting.BroadcastConcurrency == 0 {
		c.Meeting.BroadcastConcurrency = 8
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// syncRaw copies parsed durations back into their raw fields before encoding.
func (c *Config) syncRaw() {
	c.Protocol.SendTimeoutRaw = c.Protocol.SendTimeout.String()
	c.Protocol.HandlerTimeoutRaw = c.Protocol.HandlerTimeout.String()
	c.Protocol.DedupeTTLRaw = c.Protocol.DedupeTTL.String()
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Protocol.SendTimeout < 0 || c.Protocol.HandlerTimeout < 0 || c.Protocol.DedupeTTL < 0 {
		return fmt.Errorf("protocol timeouts must be positive")
	}
	if c.Protocol.DedupeSize < 0 {
		return fmt.Errorf("protocol.dedupe_size must be positive")
	}
	if c.Conversation.ContextWindow < 1 {
		return fmt.Errorf("conversation.context_window must be at least 1")
	}
	if c.Conversation.SummarySample < 1 {
		return fmt.Errorf("conversation.summary_sample must be at least 1")
	}
	if c.Meeting.BroadcastConcurrency < 1 {
		return fmt.Errorf("meeting.broadcast_concurrency must be at least 1")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"send_timeout", cfg.Protocol.SendTimeoutRaw, &cfg.Protocol.SendTimeout},
		{"handler_timeout", cfg.Protocol.HandlerTimeoutRaw, &cfg.Protocol.HandlerTimeout},
		{"dedupe_ttl", cfg.Protocol.DedupeTTLRaw, &cfg.Protocol.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
