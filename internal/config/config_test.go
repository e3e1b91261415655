package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := &Config{
		StateDir:   "/tmp/velt-test",
		ListenAddr: "127.0.0.1:7999",
		LogFormat:  "json",
		LogLevel:   "debug",
		Model:      validModelConfig(),
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config mode = %o, want 0600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ListenAddr != cfg.ListenAddr || got.LogFormat != "json" {
		t.Fatalf("Load() = %+v", got)
	}
	if got.Model == nil || len(got.Model.Providers) != 2 {
		t.Fatalf("Load() model = %+v", got.Model)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{LogFormat: "xml"}
	if err := Save(path, cfg); err == nil {
		t.Fatal("Save() with invalid log_format should fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("invalid config must not be written")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadOrDefault() returned nil config")
	}
	if got := cfg.EffectiveListenAddr(); got != "127.0.0.1:7133" {
		t.Fatalf("EffectiveListenAddr() = %q", got)
	}
	if got := cfg.EffectiveLogFormat(); got != "text" {
		t.Fatalf("EffectiveLogFormat() = %q", got)
	}
}

func TestStatePaths(t *testing.T) {
	t.Parallel()

	cfg := &Config{StateDir: "/var/lib/velt"}
	if got := cfg.SecretsPath(); got != filepath.Join("/var/lib/velt", "secrets.json") {
		t.Fatalf("SecretsPath() = %q", got)
	}
	if got := cfg.ServerStorePath(); got != filepath.Join("/var/lib/velt", "tool_servers.db") {
		t.Fatalf("ServerStorePath() = %q", got)
	}
}
