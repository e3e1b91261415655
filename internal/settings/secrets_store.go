// Package settings persists user-managed state that lives outside the main
// config file: provider credentials and the tool server registry.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretsStore persists provider API keys to a local JSON file.
//
// It is intentionally separate from config.json so that exporting or syncing
// the config never leaks credentials. Keys must never be returned to the UI
// in plaintext; surfaces should only expose derived status such as
// "key_set".
type SecretsStore struct {
	path string
	mu   sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path))}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion   int               `json:"schema_version"`
	ProviderAPIKeys map[string]string `json:"provider_api_keys,omitempty"`
}

func (s *SecretsStore) getProviderKey(providerID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", false, errors.New("missing provider id")
	}

	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	if sf == nil || len(sf.ProviderAPIKeys) == 0 {
		return "", false, nil
	}
	v := strings.TrimSpace(sf.ProviderAPIKeys[providerID])
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// HasProviderAPIKey reports whether a non-empty key is stored for the
// provider. This is the credential check the router uses before committing
// to a remote attempt.
func (s *SecretsStore) HasProviderAPIKey(providerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.getProviderKey(providerID)
	return ok, err
}

func (s *SecretsStore) GetProviderAPIKey(providerID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getProviderKey(providerID)
}

func (s *SecretsStore) SetProviderAPIKey(providerID string, apiKey string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("missing provider id")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}

	return s.ApplyProviderAPIKeyPatches([]ProviderAPIKeyPatch{{ProviderID: providerID, APIKey: &apiKey}})
}

func (s *SecretsStore) ClearProviderAPIKey(providerID string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("missing provider id")
	}

	return s.ApplyProviderAPIKeyPatches([]ProviderAPIKeyPatch{{ProviderID: providerID, APIKey: nil}})
}

type ProviderAPIKeyPatch struct {
	ProviderID string
	// APIKey is the new key to set. If nil, the key is cleared.
	APIKey *string
}

// ApplyProviderAPIKeyPatches applies a batch of set/clear operations in one
// read-modify-write so concurrent callers never clobber each other.
func (s *SecretsStore) ApplyProviderAPIKeyPatches(patches []ProviderAPIKeyPatch) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	if len(patches) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf == nil {
		sf = &secretsFile{SchemaVersion: 1}
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	if sf.ProviderAPIKeys == nil {
		sf.ProviderAPIKeys = make(map[string]string)
	}

	for i := range patches {
		p := patches[i]
		providerID := strings.TrimSpace(p.ProviderID)
		if providerID == "" {
			return errors.New("missing provider id")
		}
		if p.APIKey == nil {
			delete(sf.ProviderAPIKeys, providerID)
			continue
		}
		key := strings.TrimSpace(*p.APIKey)
		if key == "" {
			return errors.New("missing api key")
		}
		sf.ProviderAPIKeys[providerID] = key
	}

	if len(sf.ProviderAPIKeys) == 0 {
		sf.ProviderAPIKeys = nil
	}
	return s.saveLocked(sf)
}

// ProviderAPIKeySet reports, per provider id, whether a key is stored. This
// is what the local API returns to the UI instead of the keys themselves.
func (s *SecretsStore) ProviderAPIKeySet(providerIDs []string) (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	out := make(map[string]bool, len(providerIDs))

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	var keys map[string]string
	if sf != nil {
		keys = sf.ProviderAPIKeys
	}
	for _, id := range providerIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = strings.TrimSpace(keys[id]) != ""
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	if sf == nil {
		return errors.New("nil secrets")
	}
	path := strings.TrimSpace(s.path)
	if path == "" {
		return errors.New("missing secrets path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
