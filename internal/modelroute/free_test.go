package modelroute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/veltworks/velt-agent/internal/config"
)

func freeConfig() *config.ModelConfig {
	return &config.ModelConfig{
		ConnectionMode: "remote",
		Providers: []config.Provider{
			{
				ID:      "google",
				Type:    "openai_compatible",
				BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
				Models:  []config.ProviderModel{{ModelName: "gemini-2.5-flash", IsDefault: true}},
			},
			{
				ID:      "openai",
				Type:    "openai",
				Models:  []config.ProviderModel{{ModelName: "gpt-5-mini"}},
			},
		},
	}
}

func TestResolveFreeBuildsAggregateFromUsableProviders(t *testing.T) {
	fx := newFixture(t, freeConfig(), fakeSecrets{"google": "key-g", "openai": "key-o"}, false)

	res, err := fx.router.ResolveClient(context.Background(), "google", "free")
	if err != nil {
		t.Fatalf("ResolveClient(free) error = %v", err)
	}
	if res.Model != PseudoModelFree {
		t.Fatalf("resolution model = %q", res.Model)
	}
	agg, ok := res.Client.(*failoverClient)
	if !ok {
		t.Fatalf("client type = %T, want failoverClient", res.Client)
	}
	// google appears twice in the free list, openai once; anthropic is not
	// configured here and must be skipped.
	if len(agg.candidates) != 3 {
		t.Fatalf("candidates = %d, want 3", len(agg.candidates))
	}
	if agg.candidates[0].provider != "google" || agg.candidates[0].model != "gemini-2.5-flash" {
		t.Fatalf("first candidate = %+v", agg.candidates[0])
	}
}

func TestResolveFreeSourceReflectsWinningPath(t *testing.T) {
	// CLI-served candidates must not report themselves as remote.
	cfg := freeConfig()
	cfg.ConnectionMode = "auto"
	fx := newFixture(t, cfg, fakeSecrets{}, true)

	res, err := fx.router.ResolveClient(context.Background(), "google", "free")
	if err != nil {
		t.Fatalf("ResolveClient(free) error = %v", err)
	}
	if res.Source != SourceCLI {
		t.Fatalf("source = %q, want cli", res.Source)
	}

	// With no CLI and keys configured, the aggregate is remote-backed.
	fx2 := newFixture(t, freeConfig(), fakeSecrets{"google": "key-g"}, false)
	res2, err := fx2.router.ResolveClient(context.Background(), "google", "free")
	if err != nil {
		t.Fatalf("ResolveClient(free) error = %v", err)
	}
	if res2.Source != SourceRemote {
		t.Fatalf("source = %q, want remote", res2.Source)
	}
}

func TestResolveFreeWithNothingUsable(t *testing.T) {
	fx := newFixture(t, freeConfig(), fakeSecrets{}, false)

	_, err := fx.router.ResolveClient(context.Background(), "google", "free")
	if err == nil || !strings.Contains(err.Error(), "free-tier") {
		t.Fatalf("ResolveClient(free) error = %v", err)
	}
}

func TestFailoverAdvancesOnQuotaErrors(t *testing.T) {
	t.Parallel()

	quota := &fakeClient{err: errors.New("Rate limit exceeded (429)")}
	good := &fakeClient{label: SourceRemote, text: "second answer"}
	f := &failoverClient{
		router: NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), freeConfig(), nil),
		candidates: []failoverCandidate{
			{provider: "google", model: "gemini-2.5-flash", client: quota},
			{provider: "openai", model: "gpt-5-mini", client: good},
		},
	}

	out, err := f.Complete(context.Background(), PseudoModelFree, []Message{{Role: "user", Text: "hi"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out.Text != "second answer" || out.Model != "gpt-5-mini" {
		t.Fatalf("Complete() = %+v", out)
	}
	if quota.calls.Load() != 1 || good.calls.Load() != 1 {
		t.Fatalf("call counts = %d/%d", quota.calls.Load(), good.calls.Load())
	}
}

func TestFailoverStopsOnNonRetryableError(t *testing.T) {
	t.Parallel()

	bad := &fakeClient{err: errors.New("invalid request: messages must not be empty")}
	next := &fakeClient{label: SourceRemote, text: "never"}
	f := &failoverClient{
		router: NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), freeConfig(), nil),
		candidates: []failoverCandidate{
			{provider: "google", model: "gemini-2.5-flash", client: bad},
			{provider: "openai", model: "gpt-5-mini", client: next},
		},
	}

	_, err := f.Complete(context.Background(), PseudoModelFree, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid request") {
		t.Fatalf("Complete() error = %v", err)
	}
	if next.calls.Load() != 0 {
		t.Fatal("non-retryable error must not advance the failover")
	}
}

func TestFailoverExhaustsAllCandidates(t *testing.T) {
	t.Parallel()

	a := &fakeClient{err: errors.New("quota exceeded")}
	b := &fakeClient{err: errors.New("upstream timeout")}
	f := &failoverClient{
		router: NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), freeConfig(), nil),
		candidates: []failoverCandidate{
			{provider: "google", model: "gemini-2.5-flash", client: a},
			{provider: "openai", model: "gpt-5-mini", client: b},
		},
	}

	_, err := f.Complete(context.Background(), PseudoModelFree, []Message{{Role: "user", Text: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "all free-tier models failed") {
		t.Fatalf("Complete() error = %v", err)
	}
}

func TestShouldFailover(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "quota", err: errors.New("resource exhausted"), want: true},
		{name: "timeout", err: errors.New("request timeout"), want: true},
		{name: "overloaded", err: errors.New("model overloaded, 503"), want: true},
		{name: "bad request", err: errors.New("invalid model name"), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shouldFailover(tt.err); got != tt.want {
				t.Fatalf("shouldFailover(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
