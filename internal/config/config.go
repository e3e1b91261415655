// Package config holds the on-disk configuration for velt-agent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for velt-agent.
//
// Secrets (provider API keys) never live here; they are managed by the
// settings secrets store in a separate file.
type Config struct {
	// StateDir is where the agent keeps its local state (secrets file,
	// tool server registry). If empty, ~/.velt is used.
	StateDir string `json:"state_dir,omitempty"`

	// ListenAddr is the local HTTP API bind address for the desktop shell.
	// If empty, 127.0.0.1:7133 is used.
	ListenAddr string `json:"listen_addr,omitempty"`

	// Model configures providers and the CLI-vs-remote routing behavior.
	Model *ModelConfig `json:"model,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const (
	defaultListenAddr = "127.0.0.1:7133"
	defaultLogFormat  = "text"
	defaultLogLevel   = "info"
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Model != nil {
		if err := c.Model.Validate(); err != nil {
			return fmt.Errorf("invalid model config: %w", err)
		}
	}
	return nil
}

func (c *Config) EffectiveStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.StateDir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".velt"
	}
	return filepath.Join(home, ".velt")
}

func (c *Config) EffectiveListenAddr() string {
	if c == nil || strings.TrimSpace(c.ListenAddr) == "" {
		return defaultListenAddr
	}
	return strings.TrimSpace(c.ListenAddr)
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil {
		return defaultLogFormat
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "json":
		return "json"
	default:
		return defaultLogFormat
	}
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return defaultLogLevel
	}
	switch v := strings.TrimSpace(strings.ToLower(c.LogLevel)); v {
	case "debug", "info", "warn", "error":
		return v
	default:
		return defaultLogLevel
	}
}

// SecretsPath is where the secrets store lives inside the state dir.
func (c *Config) SecretsPath() string {
	return filepath.Join(c.EffectiveStateDir(), "secrets.json")
}

// ServerStorePath is where the tool server registry database lives.
func (c *Config) ServerStorePath() string {
	return filepath.Join(c.EffectiveStateDir(), "tool_servers.db")
}

// DefaultConfigPath returns the default config path:
//
//	~/.velt/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "velt.config.json"
	}
	return filepath.Join(home, ".velt", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads the config at path, returning an empty (all-defaults)
// config when the file does not exist yet.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
