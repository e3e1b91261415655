// Package localapi is the local HTTP surface the desktop shell talks to:
// tool server management, CLI detection, provider key management, and chat
// completions through the model router.
package localapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veltworks/velt-agent/internal/auditlog"
	"github.com/veltworks/velt-agent/internal/config"
	"github.com/veltworks/velt-agent/internal/modelroute"
	"github.com/veltworks/velt-agent/internal/settings"
	"github.com/veltworks/velt-agent/internal/settings/serverstore"
	"github.com/veltworks/velt-agent/internal/toolserver"
)

type Options struct {
	Log     *slog.Logger
	Config  *config.Config
	Store   *serverstore.Store
	Secrets *settings.SecretsStore
	Manager *toolserver.Manager
	Router  *modelroute.Router
	// Audit is optional; a nil store drops entries.
	Audit *auditlog.Store
}

type Server struct {
	log     *slog.Logger
	cfg     *config.Config
	store   *serverstore.Store
	secrets *settings.SecretsStore
	manager *toolserver.Manager
	router  *modelroute.Router
	audit   *auditlog.Store
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		log:     log,
		cfg:     opts.Config,
		store:   opts.Store,
		secrets: opts.Secrets,
		manager: opts.Manager,
		router:  opts.Router,
		audit:   opts.Audit,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/servers", func(r chi.Router) {
		r.Get("/", s.handleListServers)
		r.Post("/", s.handleCreateServer)
		r.Post("/import", s.handleImportManifest)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", s.handleUpdateServer)
			r.Delete("/", s.handleDeleteServer)
			r.Post("/connect", s.handleConnectServer)
			r.Post("/dispose", s.handleDisposeServer)
			r.Get("/tools", s.handleListTools)
			r.Post("/tools/{tool}", s.handleCallTool)
		})
	})

	r.Get("/api/v1/cli/detect", s.handleDetectCLI)

	r.Route("/api/v1/providers", func(r chi.Router) {
		r.Get("/keys", s.handleProviderKeyStatus)
		r.Put("/{id}/key", s.handleSetProviderKey)
		r.Delete("/{id}/key", s.handleClearProviderKey)
	})

	r.Post("/api/v1/chat", s.handleChat)

	r.Get("/api/v1/audit", s.handleListAudit)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// --- tool servers ---

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if servers == nil {
		servers = []serverstore.Server{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var srv serverstore.Server
	if err := decodeBody(r, &srv); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.store.Create(r.Context(), srv)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.audit.Success("server_create", func(e *auditlog.Entry) {
		e.ServerID = created.ID
		e.ServerName = created.Name
	})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	var srv serverstore.Server
	if err := decodeBody(r, &srv); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	srv.ID = id
	updated, err := s.store.Update(r.Context(), srv)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	// The stored record changed; a live connection may reflect stale
	// configuration, so drop it.
	s.manager.Dispose(id)
	s.audit.Success("server_update", func(e *auditlog.Entry) {
		e.ServerID = updated.ID
		e.ServerName = updated.Name
	})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	s.manager.Dispose(id)
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.audit.Success("server_delete", func(e *auditlog.Entry) { e.ServerID = id })
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleConnectServer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	conn, err := s.manager.GetConnection(r.Context(), id)
	if err != nil {
		s.audit.Failure("server_connect", err, func(e *auditlog.Entry) { e.ServerID = id })
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.audit.Success("server_connect", func(e *auditlog.Entry) {
		e.ServerID = id
		e.ServerName = conn.Name()
	})
	writeJSON(w, http.StatusOK, map[string]any{"connected": true, "name": conn.Name()})
}

func (s *Server) handleDisposeServer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	s.manager.Dispose(id)
	s.audit.Success("server_dispose", func(e *auditlog.Entry) { e.ServerID = id })
	writeJSON(w, http.StatusOK, map[string]any{"disposed": id})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	conn, err := s.manager.GetConnection(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	tools, err := conn.ListTools(r.Context())
	if err != nil {
		if toolserver.ShouldEvict(err) {
			s.manager.Dispose(id)
		}
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	type toolInfo struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolInfo{Name: t.Name, Description: t.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	tool := strings.TrimSpace(chi.URLParam(r, "tool"))
	var args map[string]any
	if err := decodeBody(r, &args); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := s.manager.GetConnection(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	res, err := conn.CallTool(r.Context(), tool, args)
	if err != nil {
		if toolserver.ShouldEvict(err) {
			s.manager.Dispose(id)
		}
		s.audit.Failure("tool_call", err, func(e *auditlog.Entry) {
			e.ServerID = id
			e.Tool = tool
		})
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.audit.Success("tool_call", func(e *auditlog.Entry) {
		e.ServerID = id
		e.ServerName = conn.Name()
		e.Tool = tool
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImportManifest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.store.ImportManifest(r.Context(), body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": res.Created, "updated": res.Updated})
}

// --- CLI detection ---

func (s *Server) handleDetectCLI(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(r.URL.Query().Get("provider"))
	if providerID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing provider query parameter"))
		return
	}
	var explicitPath string
	autoDetect := true
	if s.cfg != nil && s.cfg.Model != nil {
		explicitPath = s.cfg.Model.EffectiveCLIPath()
		autoDetect = s.cfg.Model.EffectiveCLIAutoDetect()
	}
	info, err := modelroute.DetectCLI(r.Context(), s.log, providerID, explicitPath, autoDetect)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": info.Available,
		"path":      info.Path,
		"version":   info.Version,
		"detail":    info.Detail,
	})
}

// --- provider keys ---

func (s *Server) handleProviderKeyStatus(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if raw := strings.TrimSpace(r.URL.Query().Get("ids")); raw != "" {
		ids = strings.Split(raw, ",")
	} else if s.cfg != nil && s.cfg.Model != nil {
		for _, p := range s.cfg.Model.Providers {
			ids = append(ids, p.ID)
		}
	}
	set, err := s.secrets.ProviderAPIKeySet(ids)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key_set": set})
}

func (s *Server) handleSetProviderKey(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(chi.URLParam(r, "id"))
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.secrets.SetProviderAPIKey(providerID, body.APIKey); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.audit.Success("provider_key_set", func(e *auditlog.Entry) { e.Provider = providerID })
	// Never echo the key back.
	writeJSON(w, http.StatusOK, map[string]any{"provider": providerID, "key_set": true})
}

func (s *Server) handleClearProviderKey(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.secrets.ClearProviderAPIKey(providerID); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.audit.Success("provider_key_clear", func(e *auditlog.Entry) { e.Provider = providerID })
	writeJSON(w, http.StatusOK, map[string]any{"provider": providerID, "key_set": false})
}

// --- chat ---

type chatRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Messages []struct {
		Role string `json:"role"`
		Text string `json:"text"`
	} `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("missing messages"))
		return
	}

	var res *modelroute.Resolution
	var err error
	if strings.TrimSpace(req.Provider) == "" && strings.TrimSpace(req.Model) == "" {
		res, err = s.router.ResolveAuto(r.Context())
	} else {
		res, err = s.router.ResolveClient(r.Context(), req.Provider, req.Model)
	}
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	msgs := make([]modelroute.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, modelroute.Message{Role: m.Role, Text: m.Text})
	}
	out, err := res.Client.Complete(r.Context(), res.Model, msgs)
	if err != nil {
		s.audit.Failure("chat_completion", err, func(e *auditlog.Entry) {
			e.Provider = res.Provider
			e.Model = res.Model
			e.Source = res.Source
		})
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.audit.Success("chat_completion", func(e *auditlog.Entry) {
		e.Provider = res.Provider
		e.Model = out.Model
		e.Source = out.Source
	})
	resp := map[string]any{
		"text":     out.Text,
		"model":    out.Model,
		"source":   out.Source,
		"provider": res.Provider,
	}
	if out.Usage != nil {
		resp["usage"] = map[string]int64{
			"input_tokens":  out.Usage.InputTokens,
			"output_tokens": out.Usage.OutputTokens,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- audit ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}
	entries, err := s.audit.List(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- helpers ---

func (s *Server) serverID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid server id"))
		return 0, false
	}
	return id, true
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "component", "localapi", "error", msg)
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
