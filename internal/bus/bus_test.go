package bus

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/model"
)

func TestPublishFansOut(t *testing.T) {
	b := New(zap.NewNop())
	var first, second []model.EventKind
	b.Subscribe(func(ev Event) { first = append(first, ev.Kind) })
	b.Subscribe(func(ev Event) { second = append(second, ev.Kind) })

	b.Emit(model.EventStatusChanged, nil)
	b.Emit(model.EventSyncCompleted, nil)

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("both subscribers should see both events: %v %v", first, second)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New(zap.NewNop())
	calls := 0
	cancel := b.Subscribe(func(Event) { calls++ })

	b.Emit(model.EventStatusChanged, nil)
	cancel()
	cancel()
	b.Emit(model.EventStatusChanged, nil)

	if calls != 1 {
		t.Fatalf("expected one delivery, got %d", calls)
	}
}

func TestPanickingSubscriberDoesNotStopFanOut(t *testing.T) {
	b := New(zap.NewNop())
	b.Subscribe(func(Event) { panic("bad subscriber") })
	delivered := 0
	b.Subscribe(func(Event) { delivered++ })

	b.Emit(model.EventStorageDegraded, "disk full")

	if delivered != 1 {
		t.Fatalf("healthy subscriber should still receive the event")
	}
}

func TestPublishStampsTime(t *testing.T) {
	b := New(zap.NewNop())
	var got Event
	b.Subscribe(func(ev Event) { got = ev })

	b.Publish(Event{Kind: model.EventInstalled})
	if got.At.IsZero() {
		t.Fatalf("publish should stamp a time on the event")
	}
	if time.Since(got.At) > time.Minute {
		t.Fatalf("stamped time looks wrong: %s", got.At)
	}
}
