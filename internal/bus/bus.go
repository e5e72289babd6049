// Package bus is the in-process event channel between the offline
// subsystems. Platform signals (connectivity changes, worker lifecycle,
// storage degradation) are published here instead of being wired as
// direct callbacks, keeping the coordinator logic platform-agnostic.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/model"
)

type Event struct {
	Kind    model.EventKind `json:"kind"`
	At      time.Time       `json:"at"`
	Payload any             `json:"payload,omitempty"`
}

type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   map[int]func(Event){},
	}
}

// Subscribe registers fn for every published event. Delivery order
// across subscribers is unspecified. The returned cancel func is
// idempotent.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish fans the event out synchronously. A panicking subscriber is
// logged and detached from the rest of the fan-out; it never reaches
// the publisher.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(kind model.EventKind, payload any) {
	b.Publish(Event{Kind: kind, At: time.Now().UTC(), Payload: payload})
}

func (b *Bus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}
