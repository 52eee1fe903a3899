// Package store owns the disk-backed state of the bridge: the per-model
// credential pool and the managed API key registry. Both follow a coarse
// read-modify-save JSON policy; mutations are user-rate, not request-rate,
// so no finer-grained transactional scheme is needed.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// PoolEntry is the ordered credential set for one model, with a rotation
// cursor and the capture mode the pairs were taken in.
type PoolEntry struct {
	SessionIDs   []string `json:"session_ids"`
	MessageIDs   []string `json:"message_ids"`
	CurrentIndex int      `json:"current_index"`
	Mode         string   `json:"mode,omitempty"`
	BattleTarget string   `json:"battle_target,omitempty"`
}

// Credentials is the resolved tuple for one request.
type Credentials struct {
	SessionID    string
	MessageID    string
	Mode         string
	BattleTarget string
}

// EndpointPool maps model names to credential pools, persisted as JSON after
// every mutation.
type EndpointPool struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*PoolEntry
}

// NewEndpointPool loads the pool file. A missing file yields an empty pool;
// a corrupt file is an error so stale credentials are never silently lost.
func NewEndpointPool(path string) (*EndpointPool, error) {
	pool := &EndpointPool{path: path, entries: make(map[string]*PoolEntry)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warnf("endpoint pool file %s not found, using an empty pool", path)
		return pool, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoint pool: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return pool, nil
	}
	if err = json.Unmarshal(data, &pool.entries); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint pool: %w", err)
	}
	log.Infof("loaded %d model endpoint pool entries from %s", len(pool.entries), path)
	return pool, nil
}

// Reload re-reads the pool file in place. Used by the file watcher and the
// external ID-capture tool integration.
func (p *EndpointPool) Reload() error {
	fresh, err := NewEndpointPool(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.entries = fresh.entries
	p.mu.Unlock()
	return nil
}

// Current returns the active credential tuple for a model, or false when the
// model has no usable pool entry.
func (p *EndpointPool) Current(model string) (Credentials, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.entries[model]
	if !ok || len(entry.SessionIDs) == 0 || len(entry.SessionIDs) != len(entry.MessageIDs) {
		return Credentials{}, false
	}
	index := entry.CurrentIndex
	if index < 0 || index >= len(entry.SessionIDs) {
		index = 0
	}
	return Credentials{
		SessionID:    entry.SessionIDs[index],
		MessageID:    entry.MessageIDs[index],
		Mode:         entry.Mode,
		BattleTarget: entry.BattleTarget,
	}, true
}

// PairCount reports how many credential pairs a model has.
func (p *EndpointPool) PairCount(model string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[model]
	if !ok {
		return 0
	}
	return len(entry.SessionIDs)
}

// Rotate advances the cursor of a model to the next pair, modulo the pool
// size, and persists the change. It returns false when the model is unknown
// or has at most one pair; a single-endpoint pool cannot rotate.
func (p *EndpointPool) Rotate(model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[model]
	if !ok {
		log.Warnf("rotation: model %q not found in endpoint pool", model)
		return false
	}
	if len(entry.SessionIDs) <= 1 {
		log.Warnf("rotation: model %q has only %d credential pair(s), cannot rotate", model, len(entry.SessionIDs))
		return false
	}

	oldIndex := entry.CurrentIndex
	entry.CurrentIndex = (entry.CurrentIndex + 1) % len(entry.SessionIDs)
	if err := p.saveLocked(); err != nil {
		log.Errorf("rotation: failed to persist endpoint pool: %v", err)
	}

	log.Infof("rotation: model %q rotated from index %d to %d (session ...%s -> ...%s)",
		model, oldIndex, entry.CurrentIndex,
		tail(entry.SessionIDs[oldIndex]), tail(entry.SessionIDs[entry.CurrentIndex]))
	return true
}

// Set replaces the entry for a model and persists the pool.
func (p *EndpointPool) Set(model string, entry PoolEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[model] = &entry
	return p.saveLocked()
}

func (p *EndpointPool) saveLocked() error {
	data, err := json.MarshalIndent(p.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o644)
}

func tail(s string) string {
	if len(s) <= 6 {
		return s
	}
	return s[len(s)-6:]
}
