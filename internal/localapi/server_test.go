package localapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/veltworks/velt-agent/internal/auditlog"
	"github.com/veltworks/velt-agent/internal/config"
	"github.com/veltworks/velt-agent/internal/modelroute"
	"github.com/veltworks/velt-agent/internal/settings"
	"github.com/veltworks/velt-agent/internal/settings/serverstore"
	"github.com/veltworks/velt-agent/internal/toolserver"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := serverstore.Open(filepath.Join(dir, "servers.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	secrets := settings.NewSecretsStore(filepath.Join(dir, "secrets.json"))
	cfg := &config.Config{
		StateDir: dir,
		Model: &config.ModelConfig{
			ConnectionMode: "remote",
			Providers: []config.Provider{
				{ID: "openai", Type: "openai", Models: []config.ProviderModel{{ModelName: "gpt-5-mini", IsDefault: true}}},
			},
		},
	}
	audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: dir})
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	srv := New(Options{
		Log:     log,
		Config:  cfg,
		Store:   store,
		Secrets: secrets,
		Manager: toolserver.NewManager(toolserver.Options{Log: log, Source: store}),
		Router:  modelroute.NewRouter(log, cfg.Model, secrets),
		Audit:   audit,
	})
	return srv, srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	rec, out := doJSON(t, h, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("health = %d %v", rec.Code, out)
	}
}

func TestServersCRUDOverHTTP(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)

	rec, created := doJSON(t, h, http.MethodPost, "/api/v1/servers", map[string]any{
		"name":      "filesystem",
		"transport": "stdio",
		"command":   "mcp-filesystem",
		"enabled":   true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %v", rec.Code, created)
	}
	id := int64(created["id"].(float64))
	if id <= 0 {
		t.Fatalf("created id = %v", created["id"])
	}

	rec, out := doJSON(t, h, http.MethodGet, "/api/v1/servers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	if servers := out["servers"].([]any); len(servers) != 1 {
		t.Fatalf("servers = %v", servers)
	}

	rec, _ = doJSON(t, h, http.MethodPut, "/api/v1/servers/1", map[string]any{
		"name":      "filesystem",
		"transport": "stdio",
		"command":   "mcp-filesystem-v2",
		"enabled":   true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/v1/servers/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	_, out = doJSON(t, h, http.MethodGet, "/api/v1/servers", nil)
	if servers := out["servers"].([]any); len(servers) != 0 {
		t.Fatalf("servers after delete = %v", servers)
	}
}

func TestCreateServerValidationError(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	rec, out := doJSON(t, h, http.MethodPost, "/api/v1/servers", map[string]any{
		"name":      "broken",
		"transport": "stdio",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create = %d %v", rec.Code, out)
	}
	if !strings.Contains(out["error"].(string), "requires a command") {
		t.Fatalf("error = %v", out["error"])
	}
}

func TestInvalidServerID(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/servers/zero/dispose", nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusBadRequest {
		t.Fatalf("dispose with bad id = %d", rec.Code)
	}
}

func TestImportManifestOverHTTP(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	doc := `
servers:
  - name: tracker
    transport: http
    url: https://tracker.internal/mcp
`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/servers/import", strings.NewReader(doc))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("import = %d %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["created"].(float64) != 1 {
		t.Fatalf("import result = %v", out)
	}
}

func TestProviderKeyLifecycleNeverEchoesKey(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)

	rec, out := doJSON(t, h, http.MethodPut, "/api/v1/providers/openai/key", map[string]any{"api_key": "sk-secret-999"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set key = %d %v", rec.Code, out)
	}
	if strings.Contains(rec.Body.String(), "sk-secret-999") {
		t.Fatal("response echoed the key")
	}

	rec, out = doJSON(t, h, http.MethodGet, "/api/v1/providers/keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("key status = %d", rec.Code)
	}
	set := out["key_set"].(map[string]any)
	if set["openai"] != true {
		t.Fatalf("key_set = %v", set)
	}
	if strings.Contains(rec.Body.String(), "sk-secret-999") {
		t.Fatal("status echoed the key")
	}

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/v1/providers/openai/key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear key = %d", rec.Code)
	}
	_, out = doJSON(t, h, http.MethodGet, "/api/v1/providers/keys", nil)
	if out["key_set"].(map[string]any)["openai"] != false {
		t.Fatalf("key_set after clear = %v", out)
	}
}

func TestDetectCLIUnknownProvider(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)
	rec, out := doJSON(t, h, http.MethodGet, "/api/v1/cli/detect?provider=mistral", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("detect = %d %v", rec.Code, out)
	}
	if rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/cli/detect", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("detect without provider = %d", rec.Code)
	}
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	t.Parallel()

	_, h := newTestServer(t)

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/servers", map[string]any{
		"name":      "filesystem",
		"transport": "stdio",
		"command":   "mcp-filesystem",
		"enabled":   true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}
	if rec, _ := doJSON(t, h, http.MethodPut, "/api/v1/providers/openai/key", map[string]any{"api_key": "sk-x"}); rec.Code != http.StatusOK {
		t.Fatalf("set key = %d", rec.Code)
	}

	rec, out := doJSON(t, h, http.MethodGet, "/api/v1/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit = %d", rec.Code)
	}
	entries := out["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	first := entries[0].(map[string]any)
	second := entries[1].(map[string]any)
	if first["action"] != "provider_key_set" || second["action"] != "server_create" {
		t.Fatalf("actions = %v, %v", first["action"], second["action"])
	}
	if strings.Contains(rec.Body.String(), "sk-x") {
		t.Fatal("audit trail leaked a key")
	}

	if rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/audit?limit=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
}

func TestChatWithoutCredentialsFails(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, h := newTestServer(t)
	rec, out := doJSON(t, h, http.MethodPost, "/api/v1/chat", map[string]any{
		"provider": "openai",
		"model":    "gpt-5-mini",
		"messages": []map[string]string{{"role": "user", "text": "hi"}},
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("chat = %d %v", rec.Code, out)
	}
	if !strings.Contains(out["error"].(string), "API key") {
		t.Fatalf("error = %v", out["error"])
	}
}
