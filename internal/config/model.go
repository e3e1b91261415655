package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ModelConfig configures the model providers and the CLI-vs-remote routing
// behavior.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are managed
//     via the separate local secrets file.
//   - Field names are snake_case to match the rest of the agent config surface.
type ModelConfig struct {
	// ConnectionMode controls how model requests are served.
	//
	// Supported values:
	// - "remote": provider HTTP API only (default)
	// - "cli": provider CLI binary only, no remote fallback unless
	//   cli.fallback_to_api is set
	// - "auto": try the CLI first, fall back to the remote API
	ConnectionMode string `json:"connection_mode,omitempty"`

	// Providers is the provider registry available to the router and UI.
	//
	// Notes:
	// - Providers own their allowed model list.
	// - Exactly one provider model must be marked as default via models[].is_default.
	Providers []Provider `json:"providers,omitempty"`

	// CLI configures the provider CLI integration used by the "cli" and
	// "auto" connection modes.
	CLI *CLIConfig `json:"cli,omitempty"`
}

type Provider struct {
	// ID is a stable internal id (primary key). It must not change once used
	// for secrets/model routing.
	ID string `json:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	// When empty, provider defaults apply (except openai_compatible where base_url is required).
	BaseURL string `json:"base_url,omitempty"`

	// Models is the allowed model list for this provider.
	Models []ProviderModel `json:"models,omitempty"`
}

type ProviderModel struct {
	ModelName string `json:"model_name"`

	// IsDefault marks the single default model across all providers.
	// Exactly one providers[].models[].is_default must be true.
	IsDefault bool `json:"is_default,omitempty"`
}

// CLIConfig configures how the provider CLI binary is located and invoked.
type CLIConfig struct {
	// Path is an explicit CLI binary path. When set, it wins over detection.
	Path string `json:"path,omitempty"`

	// AutoDetect controls whether the agent searches PATH and well-known
	// install locations when Path is empty. Defaults to true.
	AutoDetect *bool `json:"auto_detect,omitempty"`

	// FallbackToAPI permits falling back to the remote API when the CLI path
	// fails in "cli" mode. "auto" mode always falls back. Defaults to false.
	FallbackToAPI *bool `json:"fallback_to_api,omitempty"`

	// PreferredModels is an allow-list of models to use through the CLI.
	// A requested model not on the list is substituted with the first entry.
	PreferredModels []string `json:"preferred_models,omitempty"`

	// TimeoutMs bounds one CLI invocation. Defaults to 60000.
	TimeoutMs *int `json:"timeout_ms,omitempty"`
}

const (
	ConnectionModeRemote = "remote"
	ConnectionModeCLI    = "cli"
	ConnectionModeAuto   = "auto"

	defaultCLITimeout = 60 * time.Second
)

func (c *ModelConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	switch strings.TrimSpace(strings.ToLower(c.ConnectionMode)) {
	case "", ConnectionModeRemote, ConnectionModeCLI, ConnectionModeAuto:
	default:
		return fmt.Errorf("invalid connection_mode %q", c.ConnectionMode)
	}

	if c.CLI != nil && c.CLI.TimeoutMs != nil {
		if *c.CLI.TimeoutMs <= 0 {
			return fmt.Errorf("invalid cli.timeout_ms %d (must be > 0)", *c.CLI.TimeoutMs)
		}
	}

	// Validate providers.
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		// Validate models (provider-owned list).
		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}

	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
//
// It assumes Validate() has passed. When config is invalid/incomplete, it
// returns ("", false).
func (c *ModelConfig) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			mn := strings.TrimSpace(m.ModelName)
			if mn == "" {
				continue
			}
			return pid + "/" + mn, true
		}
	}
	return "", false
}

// Provider returns the provider with the given id, or nil.
func (c *ModelConfig) Provider(id string) *Provider {
	if c == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	for i := range c.Providers {
		if strings.TrimSpace(c.Providers[i].ID) == id {
			return &c.Providers[i]
		}
	}
	return nil
}

func (c *ModelConfig) EffectiveConnectionMode() string {
	if c == nil {
		return ConnectionModeRemote
	}
	switch strings.TrimSpace(strings.ToLower(c.ConnectionMode)) {
	case ConnectionModeCLI:
		return ConnectionModeCLI
	case ConnectionModeAuto:
		return ConnectionModeAuto
	default:
		return ConnectionModeRemote
	}
}

func (c *ModelConfig) EffectiveCLIPath() string {
	if c == nil || c.CLI == nil {
		return ""
	}
	return strings.TrimSpace(c.CLI.Path)
}

func (c *ModelConfig) EffectiveCLIAutoDetect() bool {
	if c == nil || c.CLI == nil || c.CLI.AutoDetect == nil {
		return true
	}
	return *c.CLI.AutoDetect
}

func (c *ModelConfig) EffectiveCLIFallbackToAPI() bool {
	if c == nil || c.CLI == nil || c.CLI.FallbackToAPI == nil {
		return false
	}
	return *c.CLI.FallbackToAPI
}

func (c *ModelConfig) EffectiveCLIPreferredModels() []string {
	if c == nil || c.CLI == nil {
		return nil
	}
	out := make([]string, 0, len(c.CLI.PreferredModels))
	for _, m := range c.CLI.PreferredModels {
		m = strings.TrimSpace(m)
		if m != "" {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *ModelConfig) EffectiveCLITimeout() time.Duration {
	if c == nil || c.CLI == nil || c.CLI.TimeoutMs == nil || *c.CLI.TimeoutMs <= 0 {
		return defaultCLITimeout
	}
	return time.Duration(*c.CLI.TimeoutMs) * time.Millisecond
}
