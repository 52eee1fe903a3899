// Package watcher monitors the bridge's disk-backed state files and reloads
// the matching in-memory stores when they change on disk. This is how the
// external ID-capture tool's writes and hand edits to models.json take
// effect without a restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Reloader is a store that can re-read its backing file.
type Reloader interface {
	Reload() error
}

// Watcher maps watched file paths to the stores they back.
type Watcher struct {
	watcher    *fsnotify.Watcher
	mu         sync.Mutex
	targets    map[string]Reloader
	lastHashes map[string]string
}

// New creates a watcher with no targets.
func New() (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:    fsWatcher,
		targets:    make(map[string]Reloader),
		lastHashes: make(map[string]string),
	}, nil
}

// Watch registers a file and the store to reload when it changes. The file's
// directory is watched so editors that replace the file atomically are still
// observed.
func (w *Watcher) Watch(path string, target Reloader) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.targets[absolute] = target
	w.lastHashes[absolute] = hashFile(absolute)
	w.mu.Unlock()

	if err = w.watcher.Add(filepath.Dir(absolute)); err != nil {
		return err
	}
	log.Debugf("watching state file: %s", absolute)
	return nil
}

// Start runs the event loop until the context is canceled.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer func() { _ = w.watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.handleChange(event.Name)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("file watcher error: %v", err)
			}
		}
	}()
}

// handleChange reloads the target backing a changed path, skipping events
// that did not actually alter the content (editors fire several per save).
func (w *Watcher) handleChange(path string) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	target, ok := w.targets[absolute]
	if !ok {
		w.mu.Unlock()
		return
	}
	newHash := hashFile(absolute)
	if newHash != "" && newHash == w.lastHashes[absolute] {
		w.mu.Unlock()
		return
	}
	w.lastHashes[absolute] = newHash
	w.mu.Unlock()

	if err = target.Reload(); err != nil {
		log.Errorf("failed to reload %s: %v", filepath.Base(absolute), err)
		return
	}
	log.Infof("reloaded %s after on-disk change", filepath.Base(absolute))
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
