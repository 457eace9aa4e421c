package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FlatFileStore persists each document as its own JSON file under a data
// directory, used when no SQLite/DATABASE_URL backend is configured.
// A fsnotify watcher lets an operator hand-edit settings.json or
// accounts.json on disk and have the next Get() pick up the change.
type FlatFileStore struct {
	dir string

	mu    sync.RWMutex
	cache map[string][]byte

	statsMu  sync.Mutex
	statsDoc []byte
	dirty    bool

	watcher *fsnotify.Watcher
}

func NewFlatFile(dir string) (*FlatFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch data dir: %w", err)
	}

	s := &FlatFileStore{dir: dir, cache: make(map[string][]byte), watcher: watcher}
	go s.watchLoop()
	return s, nil
}

func (s *FlatFileStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			key := keyFromPath(ev.Name)
			s.mu.Lock()
			delete(s.cache, key)
			s.mu.Unlock()
			slog.Debug("flat-file document invalidated by external edit", "key", key)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("fsnotify error", "error", err)
		}
	}
}

func keyFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func (s *FlatFileStore) pathFor(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FlatFileStore) Ping(context.Context) error { return nil }

func (s *FlatFileStore) Close() error {
	return s.watcher.Close()
}

func (s *FlatFileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	if v, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()
	return data, nil
}

func (s *FlatFileStore) Set(_ context.Context, key string, doc []byte) error {
	if err := os.WriteFile(s.pathFor(key), doc, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = doc
	s.mu.Unlock()
	return nil
}

func (s *FlatFileStore) BufferStats(_ context.Context, doc []byte) {
	s.statsMu.Lock()
	s.statsDoc = doc
	s.dirty = true
	s.statsMu.Unlock()
}

func (s *FlatFileStore) FlushStats(ctx context.Context) error {
	s.statsMu.Lock()
	if !s.dirty {
		s.statsMu.Unlock()
		return nil
	}
	doc := s.statsDoc
	s.dirty = false
	s.statsMu.Unlock()
	return s.Set(ctx, KeyStats, doc)
}

// ReconcileAPIKeys performs the one-time startup merge described in the
// persistence design: new API keys found in an on-disk keys file are
// merged into the database/flat-file document, deduped by key value.
func ReconcileAPIKeys(ctx context.Context, s Store, onDiskPath string) error {
	raw, err := os.ReadFile(onDiskPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read on-disk keys: %w", err)
	}

	var diskKeys []APIKey
	if err := json.Unmarshal(raw, &diskKeys); err != nil {
		return fmt.Errorf("parse on-disk keys: %w", err)
	}

	existing, err := s.Get(ctx, KeyAPIKeys)
	if err != nil {
		return fmt.Errorf("load existing keys: %w", err)
	}
	var dbKeys []APIKey
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &dbKeys); err != nil {
			return fmt.Errorf("parse existing keys: %w", err)
		}
	}

	seen := make(map[string]bool, len(dbKeys))
	for _, k := range dbKeys {
		seen[k.Key] = true
	}

	merged := dbKeys
	for _, k := range diskKeys {
		if !seen[k.Key] {
			merged = append(merged, k)
			seen[k.Key] = true
		}
	}

	if len(merged) == len(dbKeys) {
		return nil
	}

	doc, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyAPIKeys, doc)
}

// APIKey is the record described in spec.md §6 for inbound authorization.
type APIKey struct {
	Key       string `json:"key"`
	Mode      string `json:"mode"` // "memory" or "fast"
	Remark    string `json:"remark,omitempty"`
	CreatedAt string `json:"created_at"`
}
