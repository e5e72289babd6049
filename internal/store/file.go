package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type fileBackend struct {
	path string

	mu      sync.Mutex
	entries map[string][]byte
}

type fileSnapshot struct {
	Entries map[string][]byte `json:"entries"`
}

// OpenFile opens the fallback backend: a single JSON document with
// atomic tmp-file + rename writes. Used when sqlite is unavailable.
func OpenFile(path string) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file backend: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	b := &fileBackend{
		path:    path,
		entries: map[string][]byte{},
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *fileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (b *fileBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, had := b.entries[key]
	b.entries[key] = append([]byte(nil), value...)
	if err := b.saveLocked(); err != nil {
		if had {
			b.entries[key] = prev
		} else {
			delete(b.entries, key)
		}
		return err
	}
	return nil
}

func (b *fileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, had := b.entries[key]
	if !had {
		return nil
	}
	delete(b.entries, key)
	if err := b.saveLocked(); err != nil {
		b.entries[key] = prev
		return err
	}
	return nil
}

func (b *fileBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fileBackend) Clear(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.entries {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			delete(b.entries, k)
		}
	}
	return b.saveLocked()
}

func (b *fileBackend) Close() error {
	return nil
}

func (b *fileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read store file: %w", err)
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parse store file: %w", err)
	}
	if snapshot.Entries != nil {
		b.entries = snapshot.Entries
	}
	return nil
}

func (b *fileBackend) saveLocked() error {
	data, err := json.Marshal(fileSnapshot{Entries: b.entries})
	if err != nil {
		return fmt.Errorf("marshal store file: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("rename store file: %w", err)
	}
	return nil
}
