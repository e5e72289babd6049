package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/config"
	"github.com/croftlabs/furrow/internal/model"
)

// Store wraps the selected backend with the degraded-write policy and
// the cached-entry helpers. A write failure on the durable backend is
// non-fatal: the session continues on an in-memory copy and a single
// StorageDegraded event is published.
type Store struct {
	logger *zap.Logger
	events *bus.Bus

	mu       sync.Mutex
	backend  Backend
	kind     BackendKind
	degraded bool
}

// CachedEntry is a value with its write time, evicted on read once it
// exceeds the configured max age.
type CachedEntry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

// Open probes backends in order of capability: sqlite, then the JSON
// file fallback, then memory. The caller never branches on which one
// was chosen.
func Open(ctx context.Context, cfg config.Config, events *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := OpenSQLite(ctx, cfg.DBPath)
	kind := KindSQLite
	if err != nil {
		logger.Warn("sqlite store unavailable, trying file fallback",
			zap.String("path", cfg.DBPath), zap.Error(err))
		backend, err = OpenFile(filepath.Join(cfg.DataDir, "store.json"))
		kind = KindFile
	}
	if err != nil {
		logger.Warn("file store unavailable, running in memory only", zap.Error(err))
		backend = NewMemory()
		kind = KindMemory
	}
	return &Store{
		logger:  logger,
		events:  events,
		backend: backend,
		kind:    kind,
	}
}

// NewWithBackend builds a Store around an explicit backend. Tests and
// degraded init paths use it.
func NewWithBackend(backend Backend, kind BackendKind, events *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger, events: events, backend: backend, kind: kind}
}

// Kind reports the selected backend. Informational only; no caller
// may change behavior based on it.
func (s *Store) Kind() BackendKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Durable reports whether writes currently reach durable storage.
func (s *Store) Durable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind != KindMemory && !s.degraded
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	backend := s.current()
	value, ok, err := backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("store read failed", zap.String("key", key), zap.Error(err))
		return nil, false, err
	}
	return value, ok, nil
}

// Set never fails the caller: a write error degrades the store to an
// in-memory overlay for the rest of the session.
func (s *Store) Set(ctx context.Context, key string, value []byte) {
	backend := s.current()
	if err := backend.Set(ctx, key, value); err != nil {
		s.degrade(ctx, err)
		_ = s.current().Set(ctx, key, value)
	}
}

func (s *Store) Delete(ctx context.Context, key string) {
	backend := s.current()
	if err := backend.Delete(ctx, key); err != nil {
		s.degrade(ctx, err)
		_ = s.current().Delete(ctx, key)
	}
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.current().Keys(ctx, prefix)
}

func (s *Store) Clear(ctx context.Context, prefix string) {
	backend := s.current()
	if err := backend.Clear(ctx, prefix); err != nil {
		s.degrade(ctx, err)
		_ = s.current().Clear(ctx, prefix)
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}

// SetCached records a cache entry with its write time.
func (s *Store) SetCached(ctx context.Context, key string, value json.RawMessage) {
	entry := CachedEntry{Value: value, StoredAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("marshal cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	s.Set(ctx, CacheNS+key, data)
}

// GetCached returns the cached value unless it is older than maxAge,
// in which case the entry is deleted and the read misses.
func (s *Store) GetCached(ctx context.Context, key string, maxAge time.Duration) (json.RawMessage, bool) {
	data, ok, err := s.Get(ctx, CacheNS+key)
	if err != nil || !ok {
		return nil, false
	}
	var entry CachedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		s.Delete(ctx, CacheNS+key)
		return nil, false
	}
	if maxAge > 0 && time.Since(entry.StoredAt) > maxAge {
		s.Delete(ctx, CacheNS+key)
		return nil, false
	}
	return entry.Value, true
}

func (s *Store) current() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// degrade swaps the backend for an in-memory copy of whatever is still
// readable. Published once per session.
func (s *Store) degrade(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.degraded || s.kind == KindMemory {
		s.mu.Unlock()
		return
	}
	old := s.backend
	mem := NewMemory()
	if keys, err := old.Keys(ctx, ""); err == nil {
		for _, k := range keys {
			if value, ok, err := old.Get(ctx, k); err == nil && ok {
				_ = mem.Set(ctx, k, value)
			}
		}
	}
	s.backend = mem
	s.degraded = true
	s.mu.Unlock()

	_ = old.Close()
	s.logger.Error("durable store degraded, continuing in memory", zap.Error(cause))
	if s.events != nil {
		s.events.Emit(model.EventStorageDegraded, fmt.Sprintf("store write failed: %v", cause))
	}
}
