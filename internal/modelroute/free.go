package modelroute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/veltworks/velt-agent/internal/config"
	"github.com/veltworks/velt-agent/internal/modelbridge"
)

// freeTierModels is the fixed failover order behind the "free" pseudo-model.
// Each entry is tried in turn; quota and transport failures advance to the
// next, anything else surfaces immediately.
var freeTierModels = []struct {
	Provider string
	Model    string
}{
	{Provider: "google", Model: "gemini-2.5-flash"},
	{Provider: "google", Model: "gemini-2.5-flash-lite"},
	{Provider: "openai", Model: "gpt-5-mini"},
	{Provider: "anthropic", Model: "claude-haiku-4-5"},
}

type failoverCandidate struct {
	provider string
	model    string
	source   string
	client   Client
}

// failoverClient serves the "free" pseudo-model: it walks its candidate
// list on every request and advances past quota-exhausted or dead paths.
type failoverClient struct {
	router     *Router
	candidates []failoverCandidate
}

func (r *Router) resolveFree(ctx context.Context) (*Resolution, error) {
	candidates := make([]failoverCandidate, 0, len(freeTierModels))
	for _, fm := range freeTierModels {
		provider := r.cfg.Provider(fm.Provider)
		if provider == nil {
			continue
		}
		res, err := r.resolveForFree(ctx, provider, fm.Model)
		if err != nil {
			r.log.Debug("free-tier candidate unavailable",
				"component", "modelroute", "provider", fm.Provider, "model", fm.Model, "error", err)
			continue
		}
		candidates = append(candidates, failoverCandidate{provider: fm.Provider, model: res.Model, source: res.Source, client: res.Client})
	}
	if len(candidates) == 0 {
		return nil, errors.New("no free-tier model is usable: configure a provider key or install a provider CLI")
	}
	return &Resolution{
		Client:   &failoverClient{router: r, candidates: candidates},
		Model:    PseudoModelFree,
		Source:   candidates[0].source,
		Provider: candidates[0].provider,
	}, nil
}

// resolveForFree resolves one free-tier candidate without recursing into the
// "free" pseudo-model handling.
func (r *Router) resolveForFree(ctx context.Context, provider *config.Provider, model string) (*Resolution, error) {
	mode := r.cfg.EffectiveConnectionMode()
	if mode != config.ConnectionModeRemote {
		if res, err := r.resolveCLI(ctx, provider, model); err == nil {
			return res, nil
		}
	}
	return r.resolveRemote(provider, model)
}

func (f *failoverClient) Complete(ctx context.Context, _ string, msgs []Message) (*Completion, error) {
	if f == nil || len(f.candidates) == 0 {
		return nil, errors.New("no failover candidates")
	}
	var lastErr error
	for _, cand := range f.candidates {
		out, err := cand.client.Complete(ctx, cand.model, msgs)
		if err == nil {
			if out != nil {
				out.Model = cand.model
			}
			return out, nil
		}
		lastErr = err
		if !shouldFailover(err) {
			return nil, fmt.Errorf("%s/%s: %w", cand.provider, cand.model, err)
		}
		f.router.log.Warn("free-tier model exhausted, trying next",
			"component", "modelroute", "provider", cand.provider, "model", cand.model, "error", err)
	}
	return nil, fmt.Errorf("all free-tier models failed: %w", lastErr)
}

// shouldFailover reports whether an error is worth retrying on the next
// free-tier candidate: quota exhaustion or a dead transport, not a bad
// request.
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if modelbridge.ClassifyFailure(msg) == modelbridge.FailureQuota {
		return true
	}
	for _, marker := range []string{"timeout", "Timeout", "connection refused", "connection reset", "EOF", "unavailable", "503", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
