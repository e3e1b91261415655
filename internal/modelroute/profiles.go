package modelroute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veltworks/velt-agent/internal/cliexec"
	"github.com/veltworks/velt-agent/internal/modelbridge"
)

// cliProfile describes how one provider's CLI binary is found and invoked.
type cliProfile struct {
	// EnvVar overrides the binary path from the environment.
	EnvVar string
	// Candidates are canonical binary names searched on PATH and in
	// well-known install locations.
	Candidates []string
	// BaseArgs put the CLI in non-interactive, machine-readable mode.
	BaseArgs []string
	// ModelFlag selects the model; empty means the bridge default.
	ModelFlag string
	// PromptViaStdin feeds the prompt on stdin instead of as an argument.
	PromptViaStdin bool
	// VersionArgs are used by the detection probe.
	VersionArgs []string
}

// cliProfiles maps provider ids to their CLI integration. Only providers
// listed here can serve the "cli" and "auto" connection modes.
var cliProfiles = map[string]cliProfile{
	"anthropic": {
		EnvVar:         "VELT_CLAUDE_CLI",
		Candidates:     []string{"claude"},
		BaseArgs:       []string{"-p", "--output-format", "json"},
		ModelFlag:      "--model",
		PromptViaStdin: true,
		VersionArgs:    []string{"--version"},
	},
	"openai": {
		EnvVar:         "VELT_CODEX_CLI",
		Candidates:     []string{"codex"},
		BaseArgs:       []string{"exec", "--json"},
		ModelFlag:      "--model",
		PromptViaStdin: true,
		VersionArgs:    []string{"--version"},
	},
	"google": {
		EnvVar:         "VELT_GEMINI_CLI",
		Candidates:     []string{"gemini"},
		BaseArgs:       []string{"--output-format", "json"},
		ModelFlag:      "--model",
		PromptViaStdin: true,
		VersionArgs:    []string{"--version"},
	},
}

func profileFor(providerID string) (cliProfile, bool) {
	p, ok := cliProfiles[strings.ToLower(strings.TrimSpace(providerID))]
	return p, ok
}

func (p cliProfile) execConfig(path string, model string, env []string, timeout time.Duration) modelbridge.ExecConfig {
	return modelbridge.ExecConfig{
		Path:           path,
		Model:          model,
		BaseArgs:       append([]string(nil), p.BaseArgs...),
		ModelFlag:      p.ModelFlag,
		PromptViaStdin: p.PromptViaStdin,
		Env:            env,
		Timeout:        timeout,
	}
}

// DetectCLI probes for a provider's CLI binary without building a client;
// the local API exposes this so the UI can show install/auth status.
func DetectCLI(ctx context.Context, log *slog.Logger, providerID string, explicitPath string, autoDetect bool) (cliexec.ExecutableInfo, error) {
	profile, ok := profileFor(providerID)
	if !ok {
		return cliexec.ExecutableInfo{}, fmt.Errorf("no CLI integration for provider %q", providerID)
	}
	return cliexec.Locate(ctx, log, cliexec.LocateOptions{
		ExplicitPath: explicitPath,
		EnvVar:       profile.EnvVar,
		AutoDetect:   autoDetect,
		Candidates:   profile.Candidates,
		VersionArgs:  profile.VersionArgs,
	}), nil
}

// envKeyVar names the environment variable consulted for a provider API key
// when the secrets store has none.
func envKeyVar(providerType string) string {
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return ""
	}
}
