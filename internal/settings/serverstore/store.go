// Package serverstore is the SQLite-backed registry of configured tool
// servers. It is the durable side of the tool server lifecycle: the
// connection manager resolves server ids against this store.
package serverstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veltworks/velt-agent/internal/toolserver"
)

// Server is one registry row. Args and Env are stored as JSON columns.
type Server struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Enabled   bool              `json:"enabled"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing registry path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	// modernc.org/sqlite uses a file path as DSN.
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Keep the connection open (single-process local DB).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	// WAL is safer for local concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}

	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS tool_servers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    transport TEXT NOT NULL,
    command TEXT NOT NULL DEFAULT '',
    args_json TEXT NOT NULL DEFAULT '[]',
    env_json TEXT NOT NULL DEFAULT '{}',
    url TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at_unix_ms INTEGER NOT NULL,
    updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create tool_servers: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return fmt.Errorf("pragma user_version set: %w", err)
	}
	return nil
}

func normalize(srv *Server) error {
	srv.Name = strings.TrimSpace(srv.Name)
	srv.Transport = strings.ToLower(strings.TrimSpace(srv.Transport))
	srv.Command = strings.TrimSpace(srv.Command)
	srv.URL = strings.TrimSpace(srv.URL)
	if srv.Name == "" {
		return errors.New("missing server name")
	}
	switch srv.Transport {
	case toolserver.TransportStdio:
		if srv.Command == "" {
			return fmt.Errorf("server %q: stdio transport requires a command", srv.Name)
		}
	case toolserver.TransportHTTP:
		if srv.URL == "" {
			return fmt.Errorf("server %q: http transport requires a url", srv.Name)
		}
	default:
		return fmt.Errorf("server %q: unsupported transport %q", srv.Name, srv.Transport)
	}
	return nil
}

func marshalCols(srv Server) (argsJSON, envJSON string, err error) {
	args := srv.Args
	if args == nil {
		args = []string{}
	}
	ab, err := json.Marshal(args)
	if err != nil {
		return "", "", err
	}
	env := srv.Env
	if env == nil {
		env = map[string]string{}
	}
	eb, err := json.Marshal(env)
	if err != nil {
		return "", "", err
	}
	return string(ab), string(eb), nil
}

func (s *Store) Create(ctx context.Context, srv Server) (*Server, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := normalize(&srv); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	srv.CreatedAtUnixMs = now
	srv.UpdatedAtUnixMs = now

	argsJSON, envJSON, err := marshalCols(srv)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tool_servers(name, transport, command, args_json, env_json, url, enabled, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`, srv.Name, srv.Transport, srv.Command, argsJSON, envJSON, srv.URL, boolToInt(srv.Enabled), srv.CreatedAtUnixMs, srv.UpdatedAtUnixMs)
	if err != nil {
		return nil, err
	}
	srv.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Server, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, transport, command, args_json, env_json, url, enabled, created_at_unix_ms, updated_at_unix_ms
FROM tool_servers
WHERE id = ?
`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return srv, err
}

func (s *Store) List(ctx context.Context) ([]Server, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, transport, command, args_json, env_json, url, enabled, created_at_unix_ms, updated_at_unix_ms
FROM tool_servers
ORDER BY id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, srv Server) (*Server, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if srv.ID <= 0 {
		return nil, errors.New("missing server id")
	}
	if err := normalize(&srv); err != nil {
		return nil, err
	}
	srv.UpdatedAtUnixMs = time.Now().UnixMilli()

	argsJSON, envJSON, err := marshalCols(srv)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tool_servers
SET name = ?, transport = ?, command = ?, args_json = ?, env_json = ?, url = ?, enabled = ?, updated_at_unix_ms = ?
WHERE id = ?
`, srv.Name, srv.Transport, srv.Command, argsJSON, envJSON, srv.URL, boolToInt(srv.Enabled), srv.UpdatedAtUnixMs, srv.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("tool server %d not found", srv.ID)
	}
	return s.Get(ctx, srv.ID)
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = ?`, id)
	return err
}

// ServerConfig satisfies toolserver.ConfigSource: the connection manager
// resolves ids through this and never caches configuration itself.
func (s *Store) ServerConfig(ctx context.Context, id int64) (toolserver.ServerConfig, error) {
	srv, err := s.Get(ctx, id)
	if err != nil {
		return toolserver.ServerConfig{}, err
	}
	if srv == nil {
		return toolserver.ServerConfig{}, fmt.Errorf("tool server %d not found", id)
	}
	if !srv.Enabled {
		return toolserver.ServerConfig{}, fmt.Errorf("tool server %q is disabled", srv.Name)
	}
	return toolserver.ServerConfig{
		ID:        srv.ID,
		Name:      srv.Name,
		Transport: srv.Transport,
		Command:   srv.Command,
		Args:      srv.Args,
		Env:       srv.Env,
		URL:       srv.URL,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*Server, error) {
	var srv Server
	var argsJSON, envJSON string
	var enabled int
	if err := row.Scan(&srv.ID, &srv.Name, &srv.Transport, &srv.Command, &argsJSON, &envJSON, &srv.URL, &enabled, &srv.CreatedAtUnixMs, &srv.UpdatedAtUnixMs); err != nil {
		return nil, err
	}
	srv.Enabled = enabled != 0
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &srv.Args); err != nil {
			return nil, fmt.Errorf("server %d args: %w", srv.ID, err)
		}
	}
	if strings.TrimSpace(envJSON) != "" {
		if err := json.Unmarshal([]byte(envJSON), &srv.Env); err != nil {
			return nil, fmt.Errorf("server %d env: %w", srv.ID, err)
		}
	}
	if len(srv.Args) == 0 {
		srv.Args = nil
	}
	if len(srv.Env) == 0 {
		srv.Env = nil
	}
	return &srv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
