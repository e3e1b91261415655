package serverstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifest is the on-disk YAML shape for bulk-importing tool servers, e.g.
//
//	servers:
//	  - name: filesystem
//	    transport: stdio
//	    command: mcp-filesystem
//	    args: ["--root", "/workspace"]
//	  - name: tracker
//	    transport: http
//	    url: https://tracker.internal/mcp
type manifest struct {
	Servers []manifestServer `yaml:"servers"`
}

type manifestServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Disabled  bool              `yaml:"disabled"`
}

// ImportResult summarizes one manifest import.
type ImportResult struct {
	Created int
	Updated int
}

// ImportManifestFile reads a YAML manifest and upserts every server by name.
// The whole manifest is validated before any row is written so a bad entry
// does not leave a partial import behind.
func (s *Store) ImportManifestFile(ctx context.Context, path string) (*ImportResult, error) {
	b, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	return s.ImportManifest(ctx, b)
}

func (s *Store) ImportManifest(ctx context.Context, data []byte) (*ImportResult, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Servers) == 0 {
		return nil, errors.New("manifest declares no servers")
	}

	entries := make([]Server, 0, len(m.Servers))
	seen := make(map[string]bool, len(m.Servers))
	for i, ms := range m.Servers {
		srv := Server{
			Name:      ms.Name,
			Transport: ms.Transport,
			Command:   ms.Command,
			Args:      ms.Args,
			Env:       ms.Env,
			URL:       ms.URL,
			Enabled:   !ms.Disabled,
		}
		if err := normalize(&srv); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if seen[srv.Name] {
			return nil, fmt.Errorf("manifest entry %d: duplicate server name %q", i, srv.Name)
		}
		seen[srv.Name] = true
		entries = append(entries, srv)
	}

	existing, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Server, len(existing))
	for _, srv := range existing {
		byName[srv.Name] = srv
	}

	res := &ImportResult{}
	for _, srv := range entries {
		if prev, ok := byName[srv.Name]; ok {
			srv.ID = prev.ID
			if _, err := s.Update(ctx, srv); err != nil {
				return nil, fmt.Errorf("update server %q: %w", srv.Name, err)
			}
			res.Updated++
			continue
		}
		if _, err := s.Create(ctx, srv); err != nil {
			return nil, fmt.Errorf("create server %q: %w", srv.Name, err)
		}
		res.Created++
	}
	return res, nil
}
