package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// APIKeyRecord is one managed key in the registry.
type APIKeyRecord struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	UsageLimit  *int     `json:"usage_limit"`
	UsageCount  int      `json:"usage_count"`
	Enabled     bool     `json:"enabled"`
	Models      []string `json:"models"`
	CreatedAt   string   `json:"created_at"`
	LastUsed    string   `json:"last_used,omitempty"`
}

// Clone returns a copy safe to hand out across the registry lock.
func (r *APIKeyRecord) Clone() APIKeyRecord {
	clone := *r
	clone.Models = append([]string(nil), r.Models...)
	return clone
}

// AllowsModel reports whether the record's allow-list admits a model name.
// An empty list admits every model.
func (r *APIKeyRecord) AllowsModel(model string) bool {
	if len(r.Models) == 0 {
		return true
	}
	for _, allowed := range r.Models {
		if allowed == model {
			return true
		}
	}
	return false
}

type keyFile struct {
	APIKeys map[string]*APIKeyRecord `json:"api_keys"`
}

// APIKeyRegistry is the managed key store, persisted as JSON write-through.
type APIKeyRegistry struct {
	mu   sync.RWMutex
	path string
	keys map[string]*APIKeyRecord
}

// NewAPIKeyRegistry loads the registry file, creating an empty one when it
// does not exist yet.
func NewAPIKeyRegistry(path string) (*APIKeyRegistry, error) {
	registry := &APIKeyRegistry{path: path, keys: make(map[string]*APIKeyRecord)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("API key file %s not found, creating a new one", path)
		if err = registry.save(); err != nil {
			return nil, err
		}
		return registry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read API key file: %w", err)
	}

	var file keyFile
	if err = json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse API key file: %w", err)
	}
	if file.APIKeys != nil {
		registry.keys = file.APIKeys
	}
	log.Infof("loaded %d API keys from %s", len(registry.keys), path)
	return registry, nil
}

// Reload re-reads the registry file in place.
func (g *APIKeyRegistry) Reload() error {
	fresh, err := NewAPIKeyRegistry(g.path)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.keys = fresh.keys
	g.mu.Unlock()
	return nil
}

// Empty reports whether no managed keys exist.
func (g *APIKeyRegistry) Empty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.keys) == 0
}

// Validate checks a presented key against the registry: it must exist, be
// enabled, be under its usage cap, and (when model is non-empty) admit the
// requested model. The returned record is a copy.
func (g *APIKeyRegistry) Validate(key, model string) (APIKeyRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	record, ok := g.keys[key]
	if !ok {
		return APIKeyRecord{}, fmt.Errorf("invalid API key")
	}
	if !record.Enabled {
		return APIKeyRecord{}, fmt.Errorf("API key disabled")
	}
	if record.UsageLimit != nil && record.UsageCount >= *record.UsageLimit {
		return APIKeyRecord{}, fmt.Errorf("API key usage limit exceeded")
	}
	if model != "" && !record.AllowsModel(model) {
		return APIKeyRecord{}, fmt.Errorf("model %q not allowed for this API key", model)
	}
	return record.Clone(), nil
}

// IncrementUsage bumps the usage counter and last-used timestamp of a key
// and persists the registry. Unknown keys (the global config key) are a no-op.
func (g *APIKeyRegistry) IncrementUsage(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, ok := g.keys[key]
	if !ok {
		return
	}
	record.UsageCount++
	record.LastUsed = time.Now().Format(time.RFC3339)
	if err := g.save(); err != nil {
		log.Errorf("failed to persist API key usage: %v", err)
	}
}

// Create inserts a freshly generated key with the given attributes and
// returns the key string.
func (g *APIKeyRegistry) Create(name, description string, usageLimit *int, models []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := generateKey()
	g.keys[key] = &APIKeyRecord{
		Name:        name,
		Description: description,
		UsageLimit:  usageLimit,
		Enabled:     true,
		Models:      models,
		CreatedAt:   time.Now().Format(time.RFC3339),
	}
	if err := g.save(); err != nil {
		delete(g.keys, key)
		return "", err
	}
	return key, nil
}

// Update applies a mutation function to an existing record and persists.
func (g *APIKeyRegistry) Update(key string, mutate func(*APIKeyRecord)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, ok := g.keys[key]
	if !ok {
		return fmt.Errorf("API key not found")
	}
	mutate(record)
	return g.save()
}

// Delete removes a key and persists.
func (g *APIKeyRegistry) Delete(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.keys[key]; !ok {
		return fmt.Errorf("API key not found")
	}
	delete(g.keys, key)
	return g.save()
}

// Snapshot returns a copy of the whole registry keyed by key string.
func (g *APIKeyRegistry) Snapshot() map[string]APIKeyRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snapshot := make(map[string]APIKeyRecord, len(g.keys))
	for key, record := range g.keys {
		snapshot[key] = record.Clone()
	}
	return snapshot
}

// BulkAddModel appends a model to every key whose allow-list lacks it and
// returns how many keys were modified.
func (g *APIKeyRegistry) BulkAddModel(model string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	modified := 0
	for _, record := range g.keys {
		present := false
		for _, existing := range record.Models {
			if existing == model {
				present = true
				break
			}
		}
		if present {
			continue
		}
		record.Models = append(record.Models, model)
		modified++
	}
	if modified > 0 {
		if err := g.save(); err != nil {
			return modified, err
		}
	}
	return modified, nil
}

func (g *APIKeyRegistry) save() error {
	data, err := json.MarshalIndent(keyFile{APIKeys: g.keys}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.path, data, 0o644)
}

// generateKey builds an sk-prefixed key from a timestamp fragment and a
// random hex body.
func generateKey() string {
	stamp := fmt.Sprintf("%d", time.Now().Unix())
	if len(stamp) > 6 {
		stamp = stamp[len(stamp)-6:]
	}
	random := make([]byte, 16)
	_, _ = rand.Read(random)
	return fmt.Sprintf("sk-%s-%s", stamp, hex.EncodeToString(random))
}
