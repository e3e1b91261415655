package config

import (
	"strings"
	"testing"
	"time"
)

func validModelConfig() *ModelConfig {
	return &ModelConfig{
		Providers: []Provider{
			{
				ID:      "openai",
				Name:    "OpenAI",
				Type:    "openai",
				BaseURL: "https://api.openai.com/v1",
				Models:  []ProviderModel{{ModelName: "gpt-5-mini", IsDefault: true}, {ModelName: "gpt-4o-mini"}},
			},
			{
				ID:      "anthropic",
				Name:    "Anthropic",
				Type:    "anthropic",
				Models:  []ProviderModel{{ModelName: "claude-sonnet-4-5"}},
			},
		},
	}
}

func TestModelConfigValidate_OK(t *testing.T) {
	t.Parallel()

	if err := validModelConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestModelConfigValidate_RequiresProviderModels(t *testing.T) {
	t.Parallel()

	cfg := &ModelConfig{
		Providers: []Provider{
			{ID: "openai", Name: "OpenAI", Type: "openai", BaseURL: "https://api.openai.com/v1"},
		},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing providers[].models[]")
	}
}

func TestModelConfigValidate_RequiresDefaultModel(t *testing.T) {
	t.Parallel()

	cfg := validModelConfig()
	cfg.Providers[0].Models[0].IsDefault = false

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing default model")
	}
}

func TestModelConfigValidate_RejectsMultipleDefaults(t *testing.T) {
	t.Parallel()

	cfg := validModelConfig()
	cfg.Providers[1].Models[0].IsDefault = true

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for multiple default models")
	}
}

func TestModelConfigValidate_RejectsBadConnectionMode(t *testing.T) {
	t.Parallel()

	cfg := validModelConfig()
	cfg.ConnectionMode = "tunnel"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "connection_mode") {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestModelConfigValidate_OpenAICompatibleNeedsBaseURL(t *testing.T) {
	t.Parallel()

	cfg := validModelConfig()
	cfg.Providers = append(cfg.Providers, Provider{
		ID:     "localllm",
		Type:   "openai_compatible",
		Models: []ProviderModel{{ModelName: "llama"}},
	})
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestModelConfigEffectiveDefaults(t *testing.T) {
	t.Parallel()

	var c *ModelConfig
	if got := c.EffectiveConnectionMode(); got != ConnectionModeRemote {
		t.Fatalf("EffectiveConnectionMode() on nil = %q", got)
	}
	if !c.EffectiveCLIAutoDetect() {
		t.Fatal("EffectiveCLIAutoDetect() on nil should default true")
	}
	if c.EffectiveCLIFallbackToAPI() {
		t.Fatal("EffectiveCLIFallbackToAPI() on nil should default false")
	}
	if got := c.EffectiveCLITimeout(); got != 60*time.Second {
		t.Fatalf("EffectiveCLITimeout() on nil = %v", got)
	}

	ms := 1500
	off := false
	cfg := &ModelConfig{
		ConnectionMode: "AUTO",
		CLI: &CLIConfig{
			AutoDetect:      &off,
			TimeoutMs:       &ms,
			PreferredModels: []string{" sonnet ", "", "haiku"},
		},
	}
	if got := cfg.EffectiveConnectionMode(); got != ConnectionModeAuto {
		t.Fatalf("EffectiveConnectionMode() = %q", got)
	}
	if cfg.EffectiveCLIAutoDetect() {
		t.Fatal("EffectiveCLIAutoDetect() should honor explicit false")
	}
	if got := cfg.EffectiveCLITimeout(); got != 1500*time.Millisecond {
		t.Fatalf("EffectiveCLITimeout() = %v", got)
	}
	models := cfg.EffectiveCLIPreferredModels()
	if len(models) != 2 || models[0] != "sonnet" || models[1] != "haiku" {
		t.Fatalf("EffectiveCLIPreferredModels() = %v", models)
	}
}

func TestModelConfigLookups(t *testing.T) {
	t.Parallel()

	cfg := validModelConfig()
	id, ok := cfg.DefaultModelID()
	if !ok || id != "openai/gpt-5-mini" {
		t.Fatalf("DefaultModelID() = %q, %v", id, ok)
	}
	if p := cfg.Provider("anthropic"); p == nil || p.Type != "anthropic" {
		t.Fatalf("Provider(anthropic) = %+v", p)
	}
	if p := cfg.Provider("nope"); p != nil {
		t.Fatalf("Provider(nope) = %+v", p)
	}
}
