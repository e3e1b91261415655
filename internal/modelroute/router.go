package modelroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/veltworks/velt-agent/internal/cliexec"
	"github.com/veltworks/velt-agent/internal/config"
	"github.com/veltworks/velt-agent/internal/modelbridge"
)

// PseudoModelFree is the aggregate model id that fails over across the
// free-tier model list.
const PseudoModelFree = "free"

const (
	// SourceCLI marks a completion served by a provider CLI subprocess.
	SourceCLI = "cli"
	// SourceRemote marks a completion served by the provider HTTP API.
	SourceRemote = "remote"
)

// ErrNoCredentials is returned by ResolveAuto when no provider has a usable
// serving path.
var ErrNoCredentials = errors.New("no credentials available")

// SecretsSource resolves stored provider API keys; the settings secrets
// store satisfies this.
type SecretsSource interface {
	GetProviderAPIKey(providerID string) (string, bool, error)
}

type locateFunc func(ctx context.Context, log *slog.Logger, opts cliexec.LocateOptions) cliexec.ExecutableInfo
type remoteFactory func(providerType, baseURL, apiKey string) (Client, error)
type cliFactory func(execCfg modelbridge.ExecConfig, log *slog.Logger) Client
type cliProbeFunc func(ctx context.Context, log *slog.Logger, path string, versionArgs []string) error

// Router decides, per request, whether the provider CLI or the remote API
// serves a completion, applying the configured connection mode and the
// fallback policy between the two paths.
type Router struct {
	log     *slog.Logger
	cfg     *config.ModelConfig
	secrets SecretsSource

	locate    locateFunc
	newRemote remoteFactory
	newCLI    cliFactory
	probe     cliProbeFunc
}

func NewRouter(log *slog.Logger, cfg *config.ModelConfig, secrets SecretsSource) *Router {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Router{
		log:       log,
		cfg:       cfg,
		secrets:   secrets,
		locate:    cliexec.Locate,
		newRemote: newRemoteClient,
		newCLI:    newCLIClient,
		probe:     probeCLIBinary,
	}
}

// Resolution is the outcome of routing one request: the client to use and
// the model actually served (the preferred-model allow-list may substitute
// the requested one on the CLI path).
type Resolution struct {
	Client Client
	Model  string
	// Source is "cli" or "remote".
	Source string
	// Provider is the configured provider id serving the request.
	Provider string
}

// ResolveClient picks the serving path for one (provider, model) request.
//
// Mode "remote" never touches the CLI. Mode "cli" uses the CLI and only
// falls back to the API when cli.fallback_to_api is set. Mode "auto" tries
// the CLI and always may fall back. A fallback without a usable API key is
// an error that names both failures.
func (r *Router) ResolveClient(ctx context.Context, providerID string, model string) (*Resolution, error) {
	if r == nil || r.cfg == nil {
		return nil, errors.New("router not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if strings.EqualFold(strings.TrimSpace(model), PseudoModelFree) {
		return r.resolveFree(ctx)
	}

	provider := r.cfg.Provider(providerID)
	if provider == nil {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("missing model")
	}

	mode := r.cfg.EffectiveConnectionMode()
	if mode == config.ConnectionModeRemote {
		return r.resolveRemote(provider, model)
	}

	res, cliErr := r.resolveCLI(ctx, provider, model)
	if cliErr == nil {
		return res, nil
	}

	allowFallback := mode == config.ConnectionModeAuto || r.cfg.EffectiveCLIFallbackToAPI()
	if !allowFallback {
		return nil, cliErr
	}

	key, ok := r.providerKey(provider)
	if !ok {
		return nil, fmt.Errorf("cli path failed and no API key is available for fallback: %w", cliErr)
	}
	r.log.Info("falling back to remote API",
		"component", "modelroute", "provider", provider.ID, "cli_error", cliErr.Error())
	return r.remoteWithKey(provider, model, key)
}

func (r *Router) resolveRemote(provider *config.Provider, model string) (*Resolution, error) {
	key, ok := r.providerKey(provider)
	if !ok {
		return nil, fmt.Errorf("no API key configured for provider %q (set one in settings or export %s)",
			provider.ID, firstNonEmptyString(envKeyVar(provider.Type), "the provider key"))
	}
	return r.remoteWithKey(provider, model, key)
}

func (r *Router) remoteWithKey(provider *config.Provider, model string, key string) (*Resolution, error) {
	client, err := r.newRemote(provider.Type, provider.BaseURL, key)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", provider.ID, err)
	}
	return &Resolution{Client: client, Model: model, Source: SourceRemote, Provider: provider.ID}, nil
}

func (r *Router) resolveCLI(ctx context.Context, provider *config.Provider, model string) (*Resolution, error) {
	profile, ok := profileFor(provider.ID)
	if !ok {
		return nil, fmt.Errorf("no CLI integration for provider %q", provider.ID)
	}

	info := r.locate(ctx, r.log, cliexec.LocateOptions{
		ExplicitPath: r.cfg.EffectiveCLIPath(),
		EnvVar:       profile.EnvVar,
		AutoDetect:   r.cfg.EffectiveCLIAutoDetect(),
		Candidates:   profile.Candidates,
		VersionArgs:  profile.VersionArgs,
	})
	if !info.Available {
		detail := info.Detail
		if detail == "" {
			detail = "binary not found"
		}
		return nil, fmt.Errorf("provider %q CLI unavailable: %s", provider.ID, detail)
	}

	if err := r.probe(ctx, r.log, info.Path, profile.VersionArgs); err != nil {
		return nil, fmt.Errorf("provider %q CLI failed verification: %w", provider.ID, err)
	}

	served := model
	if preferred := r.cfg.EffectiveCLIPreferredModels(); len(preferred) > 0 && !containsFold(preferred, model) {
		served = preferred[0]
		r.log.Info("substituting CLI model from allow-list",
			"component", "modelroute", "requested", model, "served", served)
	}

	execCfg := profile.execConfig(info.Path, served, nil, r.cfg.EffectiveCLITimeout())
	client := r.newCLI(execCfg, r.log)
	r.log.Debug("resolved CLI client",
		"component", "modelroute", "provider", provider.ID, "path", info.Path, "version", info.Version)
	return &Resolution{Client: client, Model: served, Source: SourceCLI, Provider: provider.ID}, nil
}

const cliProbeTimeout = 10 * time.Second

// probeCLIBinary is the cheap pre-flight for a located CLI: one bounded
// version invocation. A binary that resolves but cannot start (corrupt
// install, missing runtime) fails here, where the fallback policy can still
// route around it, instead of on the first completion.
func probeCLIBinary(ctx context.Context, log *slog.Logger, path string, versionArgs []string) error {
	res := cliexec.Run(ctx, log, cliexec.Invocation{Path: path, Args: versionArgs, Timeout: cliProbeTimeout})
	if res.Succeeded {
		return nil
	}
	detail := res.CombinedOutput()
	if detail == "" {
		detail = "version invocation failed"
	}
	return errors.New(detail)
}

// providerKey resolves the API key for a provider: the secrets store wins,
// then the conventional environment variable.
func (r *Router) providerKey(provider *config.Provider) (string, bool) {
	if provider == nil {
		return "", false
	}
	if r.secrets != nil {
		if key, ok, err := r.secrets.GetProviderAPIKey(provider.ID); err == nil && ok {
			return key, true
		} else if err != nil {
			r.log.Warn("secrets lookup failed",
				"component", "modelroute", "provider", provider.ID, "error", err)
		}
	}
	if env := envKeyVar(provider.Type); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v, true
		}
	}
	return "", false
}

// ResolveAuto walks the configured providers in order and picks the first
// with a usable serving path: a stored/exported API key, or — when the
// connection mode permits the CLI — an available provider CLI.
func (r *Router) ResolveAuto(ctx context.Context) (*Resolution, error) {
	if r == nil || r.cfg == nil {
		return nil, errors.New("router not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	mode := r.cfg.EffectiveConnectionMode()
	for i := range r.cfg.Providers {
		provider := &r.cfg.Providers[i]
		model := defaultModelFor(provider)
		if model == "" {
			continue
		}
		if _, ok := r.providerKey(provider); ok {
			return r.ResolveClient(ctx, provider.ID, model)
		}
		if mode == config.ConnectionModeRemote {
			continue
		}
		if res, err := r.resolveCLI(ctx, provider, model); err == nil {
			return res, nil
		}
	}
	return nil, ErrNoCredentials
}

func defaultModelFor(provider *config.Provider) string {
	if provider == nil {
		return ""
	}
	for _, m := range provider.Models {
		if m.IsDefault {
			return strings.TrimSpace(m.ModelName)
		}
	}
	if len(provider.Models) > 0 {
		return strings.TrimSpace(provider.Models[0].ModelName)
	}
	return ""
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func firstNonEmptyString(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
