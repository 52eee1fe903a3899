// Package catalog maintains the model catalog: the mapping from external
// model names to upstream arena model IDs. The catalog is loaded from
// models.json, reloadable at runtime, and updatable from the arena page HTML
// pushed by the userscript.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Catalog is the name -> upstream model ID mapping.
type Catalog struct {
	mu     sync.RWMutex
	path   string
	models map[string]string
}

// Load reads models.json. A missing or empty file yields an empty catalog;
// callers then fall back to the hard-coded default upstream ID.
func Load(path string) (*Catalog, error) {
	catalog := &Catalog{path: path, models: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warnf("model catalog file %s not found, using an empty catalog", path)
		return catalog, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return catalog, nil
	}
	if err = json.Unmarshal(data, &catalog.models); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	log.Infof("loaded %d models from %s", len(catalog.models), path)
	return catalog, nil
}

// Reload re-reads the catalog file in place.
func (c *Catalog) Reload() error {
	fresh, err := Load(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.models = fresh.models
	c.mu.Unlock()
	return nil
}

// Resolve maps an external model name to its upstream ID.
func (c *Catalog) Resolve(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.models[name]
	return id, ok
}

// NameForID performs the reverse lookup, used to identify which model a
// rate-limit report refers to.
func (c *Catalog) NameForID(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, mapped := range c.models {
		if mapped == id {
			return name, true
		}
	}
	return "", false
}

// Has reports whether a model name exists in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Resolve(name)
	return ok
}

// Empty reports whether the catalog holds no models.
func (c *Catalog) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models) == 0
}

// Names returns the sorted model names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpdateFrom diffs a freshly extracted model list against the current
// catalog, logs additions, removals and ID changes, and persists the new
// mapping when anything changed. Returns true when the file was rewritten.
func (c *Catalog) UpdateFrom(models []ExtractedModel) (bool, error) {
	fresh := make(map[string]string, len(models))
	for _, model := range models {
		if model.PublicName == "" || model.ID == "" {
			continue
		}
		fresh[model.PublicName] = model.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for name, id := range fresh {
		old, ok := c.models[name]
		if !ok {
			log.Infof("model catalog: added %q (%s)", name, id)
			changed = true
		} else if old != id {
			log.Infof("model catalog: %q ID changed %s -> %s", name, old, id)
			changed = true
		}
	}
	for name := range c.models {
		if _, ok := fresh[name]; !ok {
			log.Infof("model catalog: removed %q", name)
			changed = true
		}
	}

	if !changed {
		log.Info("model catalog: no changes detected")
		return false, nil
	}

	data, err := json.MarshalIndent(fresh, "", "    ")
	if err != nil {
		return false, err
	}
	if err = os.WriteFile(c.path, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write model catalog: %w", err)
	}
	c.models = fresh
	log.Infof("model catalog updated with %d models", len(fresh))
	return true, nil
}
