// Package toolserver manages live connections to external tool servers.
//
// A tool server is either a spawned subprocess speaking MCP over stdio or a
// remote MCP endpoint reached over streamable HTTP. The Manager guarantees
// at most one live connection per server and coalesces concurrent callers
// onto a single in-flight initialization.
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// TransportStdio runs the server as a subprocess speaking MCP on
	// stdin/stdout.
	TransportStdio = "stdio"
	// TransportHTTP reaches the server over streamable HTTP.
	TransportHTTP = "http"

	defaultInitTimeout = 30 * time.Second
	defaultCallTimeout = 30 * time.Second

	clientName = "velt-agent"
)

// ClientVersion is stamped into the MCP handshake; overridden via ldflags
// by the build.
var ClientVersion = "dev"

// ServerConfig is the configuration record for one tool server. The ID is
// stable for the lifetime of the record and is the manager's registry key.
type ServerConfig struct {
	ID        int64
	Name      string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
}

func (c ServerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Transport)) {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("tool server %q: stdio transport requires a command", c.Name)
		}
	case TransportHTTP:
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("tool server %q: http transport requires a url", c.Name)
		}
	default:
		return fmt.Errorf("tool server %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// ConfigSource resolves a server id to its configuration record. The
// settings store satisfies this.
type ConfigSource interface {
	ServerConfig(ctx context.Context, id int64) (ServerConfig, error)
}

// session is the slice of mcp.ClientSession the manager needs; narrowed so
// tests can substitute fakes.
type session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Conn is a live, ready-to-use connection. It is owned by the Manager:
// callers borrow it and must never close it directly — eviction happens
// through Manager.Dispose.
type Conn struct {
	id      int64
	name    string
	session session
	log     *slog.Logger

	callTimeout time.Duration
}

func (c *Conn) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// ListTools lists the server's tools, bounded by the per-call timeout.
func (c *Conn) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if c == nil || c.session == nil {
		return nil, errors.New("connection not ready")
	}
	callCtx, cancel := c.boundCall(ctx)
	defer cancel()
	res, err := c.session.ListTools(callCtx, &mcp.ListToolsParams{})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timeout listing tools on %q: %w", c.name, err)
		}
		return nil, err
	}
	tools := res.Tools
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// CallTool invokes one tool, bounded by the per-call timeout.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c == nil || c.session == nil {
		return nil, errors.New("connection not ready")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("missing tool name")
	}
	if args == nil {
		args = map[string]any{}
	}
	callCtx, cancel := c.boundCall(ctx)
	defer cancel()
	res, err := c.session.CallTool(callCtx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("timeout calling tool %q on %q: %w", name, c.name, err)
	}
	return res, err
}

func (c *Conn) boundCall(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.callTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Conn) close() error {
	if c == nil || c.session == nil {
		return nil
	}
	return c.session.Close()
}

// ShouldEvict reports whether an error from a later operation indicates a
// dead transport, i.e. the caller should Dispose the connection so the next
// request starts clean instead of reusing a half-broken one.
func ShouldEvict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"timeout", "Timeout", "terminated", "connection closed", "broken pipe", "EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// inflight is a pending, shared initialization attempt. It is removed from
// the registry the moment the attempt settles, success or failure.
type inflight struct {
	done chan struct{}
	conn *Conn
	err  error
}

type connectFunc func(ctx context.Context, cfg ServerConfig) (session, error)

// Manager owns the connection registry and the in-flight registry. One
// instance is wired at application startup and injected into consumers;
// there is no package-level shared state.
type Manager struct {
	log    *slog.Logger
	source ConfigSource

	initTimeout time.Duration
	callTimeout time.Duration

	mu       sync.Mutex
	conns    map[int64]*Conn
	inflight map[int64]*inflight

	connect connectFunc
}

// Options configures a Manager. Zero values pick the defaults.
type Options struct {
	Log         *slog.Logger
	Source      ConfigSource
	InitTimeout time.Duration
	CallTimeout time.Duration
}

func NewManager(opts Options) *Manager {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	m := &Manager{
		log:         log,
		source:      opts.Source,
		initTimeout: opts.InitTimeout,
		callTimeout: opts.CallTimeout,
		conns:       make(map[int64]*Conn),
		inflight:    make(map[int64]*inflight),
	}
	if m.initTimeout <= 0 {
		m.initTimeout = defaultInitTimeout
	}
	m.connect = dialServer
	return m
}

// GetConnection returns the live connection for id, reusing a cached one,
// joining an in-flight initialization, or starting a fresh attempt.
//
// The first caller for an id becomes the owner of the attempt; every
// concurrent caller awaits the same shared result. A failed attempt is not
// cached: the next call starts over.
func (m *Manager) GetConnection(ctx context.Context, id int64) (*Conn, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if c, ok := m.conns[id]; ok {
		m.mu.Unlock()
		return c, nil
	}
	if fl, ok := m.inflight[id]; ok {
		m.mu.Unlock()
		return awaitInflight(ctx, fl)
	}
	fl := &inflight{done: make(chan struct{})}
	m.inflight[id] = fl
	m.mu.Unlock()

	conn, err := m.initialize(ctx, id)

	var orphaned *Conn
	m.mu.Lock()
	// Dispose may have already cleared the entry; only settle our own.
	cur, tracked := m.inflight[id]
	owned := tracked && cur == fl
	if owned {
		delete(m.inflight, id)
	}
	if err == nil && !owned {
		// Disposed while initializing: the record is not wanted anymore.
		orphaned = conn
		conn = nil
		err = fmt.Errorf("tool server %d disposed during initialization", id)
	}
	if err == nil {
		m.conns[id] = conn
	}
	fl.conn, fl.err = conn, err
	close(fl.done)
	m.mu.Unlock()

	if orphaned != nil {
		_ = orphaned.close()
	}
	return conn, err
}

func awaitInflight(ctx context.Context, fl *inflight) (*Conn, error) {
	select {
	case <-fl.done:
		return fl.conn, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// initialize performs one connection attempt: config lookup, validation,
// then client creation raced against the initialization timeout. The loser
// of the race keeps running in the background; only the transport's own
// mechanisms reclaim a hung child.
func (m *Manager) initialize(ctx context.Context, id int64) (*Conn, error) {
	if m.source == nil {
		return nil, errors.New("no tool server configuration source")
	}
	cfg, err := m.source.ServerConfig(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("tool server %d: %w", id, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	type outcome struct {
		s   session
		err error
	}
	ch := make(chan outcome, 1)
	connCtx, cancel := context.WithTimeout(context.Background(), m.initTimeout)
	go func() {
		defer cancel()
		s, err := m.connect(connCtx, cfg)
		ch <- outcome{s: s, err: err}
	}()

	timer := time.NewTimer(m.initTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			m.log.Warn("tool server connect failed",
				"component", "toolserver", "server", cfg.Name, "error", out.err)
			return nil, fmt.Errorf("connect to tool server %q: %w", cfg.Name, out.err)
		}
		m.log.Info("tool server connected",
			"component", "toolserver", "server", cfg.Name, "transport", cfg.Transport)
		return &Conn{
			id:          id,
			name:        cfg.Name,
			session:     out.s,
			log:         m.log,
			callTimeout: m.callTimeout,
		}, nil
	case <-timer.C:
		// Close late winners so the session does not leak.
		go func() {
			if out := <-ch; out.err == nil && out.s != nil {
				_ = out.s.Close()
			}
		}()
		return nil, fmt.Errorf("timeout after %s initializing tool server %q", m.initTimeout, cfg.Name)
	}
}

// Dispose tears down the connection for id, if any. Close errors are
// logged and swallowed; the record and any stale in-flight entry are
// removed regardless. Safe to call for unknown ids and safe to repeat.
//
// Dispose does not cancel an initialization it does not own: a concurrent
// attempt keeps running and discards its result when it settles.
func (m *Manager) Dispose(id int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	c := m.conns[id]
	delete(m.conns, id)
	delete(m.inflight, id)
	m.mu.Unlock()

	if c == nil {
		return
	}
	if err := c.close(); err != nil {
		m.log.Warn("tool server close failed",
			"component", "toolserver", "server", c.name, "error", err)
	}
	m.log.Debug("tool server disposed", "component", "toolserver", "server", c.name)
}

// DisposeAll tears down every tracked connection; used at shutdown.
func (m *Manager) DisposeAll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	ids := make([]int64, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Dispose(id)
	}
}

func dialServer(ctx context.Context, cfg ServerConfig) (session, error) {
	var transport mcp.Transport
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case TransportStdio:
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := os.Environ()
			keys := make([]string, 0, len(cfg.Env))
			for k := range cfg.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				env = append(env, k+"="+cfg.Env[k])
			}
			cmd.Env = env
		}
		transport = &mcp.CommandTransport{Command: cmd}
	case TransportHTTP:
		transport = &mcp.StreamableClientTransport{Endpoint: strings.TrimSpace(cfg.URL)}
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: ClientVersion}, nil)
	return client.Connect(ctx, transport, nil)
}
