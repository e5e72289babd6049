// Package testutil holds shared test fixtures.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/store"
)

// NewStore opens a sqlite-backed store in a temp dir.
func NewStore(t *testing.T) (*store.Store, *bus.Bus, context.Context) {
	t.Helper()
	ctx := context.Background()
	backend, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "furrow-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	events := bus.New(zap.NewNop())
	s := store.NewWithBackend(backend, store.KindSQLite, events, zap.NewNop())
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, events, ctx
}

// NewMemoryStore builds a volatile store for tests that do not need
// durability.
func NewMemoryStore(t *testing.T) (*store.Store, *bus.Bus, context.Context) {
	t.Helper()
	events := bus.New(zap.NewNop())
	s := store.NewWithBackend(store.NewMemory(), store.KindMemory, events, zap.NewNop())
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, events, context.Background()
}

// EventLog records bus events for assertions.
type EventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

// CollectEvents subscribes a recorder to the bus for the duration of
// the test.
func CollectEvents(t *testing.T, events *bus.Bus) *EventLog {
	t.Helper()
	log := &EventLog{}
	cancel := events.Subscribe(func(ev bus.Event) {
		log.mu.Lock()
		defer log.mu.Unlock()
		log.events = append(log.events, ev)
	})
	t.Cleanup(cancel)
	return log
}

// Events returns a snapshot of everything recorded so far.
func (l *EventLog) Events() []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bus.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Count returns how many events of the given kind were recorded.
func (l *EventLog) Count(kind model.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
