package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/config"
	"github.com/croftlabs/furrow/internal/connectivity"
	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/prompt"
	"github.com/croftlabs/furrow/internal/push"
	"github.com/croftlabs/furrow/internal/queue"
	"github.com/croftlabs/furrow/internal/store"
	"github.com/croftlabs/furrow/internal/testutil"
	"github.com/croftlabs/furrow/internal/worker"
)

type staticProber struct{}

func (staticProber) Probe(context.Context) (connectivity.Sample, error) {
	return connectivity.Sample{RTT: 20 * time.Millisecond, QualityKnown: true}, nil
}

type countingRuntime struct {
	mu     sync.Mutex
	starts int
}

func (r *countingRuntime) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return nil
}

func (r *countingRuntime) Dial(context.Context) (net.Conn, error) {
	return nil, errors.New("no worker socket")
}

func (r *countingRuntime) BundleVersion() (string, error) {
	return "v1", nil
}

func (r *countingRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type fixture struct {
	coord   *Coordinator
	store   *store.Store
	events  *bus.Bus
	monitor *connectivity.Monitor
	queue   *queue.Queue
	runtime *countingRuntime
}

func newFixture(t *testing.T, exec queue.Executor) *fixture {
	t.Helper()
	st, events, _ := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.VersionTimeout = 100 * time.Millisecond
	monitor := connectivity.NewMonitor(cfg, staticProber{}, events, zap.NewNop())
	q := queue.New(st, events, zap.NewNop(), cfg.MaxAttempts)
	rt := &countingRuntime{}
	mgr := worker.NewManager(cfg, rt, events, zap.NewNop(), nil)
	coord := New(cfg, Deps{
		Store:    st,
		Events:   events,
		Monitor:  monitor,
		Queue:    q,
		Worker:   mgr,
		Prompt:   prompt.NewManager(events, zap.NewNop()),
		Push:     push.NewManager(nil, events, zap.NewNop()),
		Executor: exec,
	}, zap.NewNop())
	t.Cleanup(coord.Close)
	return &fixture{coord: coord, store: st, events: events, monitor: monitor, queue: q, runtime: rt}
}

func TestInitIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.coord.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.coord.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if got := f.runtime.startCount(); got != 1 {
		t.Fatalf("worker should register once across repeated inits, got %d", got)
	}
}

func TestSettingsPersistAcrossSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.coord.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	auto := false
	interval := 90 * time.Second
	updated := f.coord.UpdateSettings(ctx, model.SettingsPatch{
		AutoSync:     &auto,
		SyncInterval: &interval,
	})
	if updated.AutoSync || updated.SyncInterval != interval {
		t.Fatalf("patch not applied: %+v", updated)
	}

	// A second coordinator over the same store picks the settings up.
	cfg := config.DefaultConfig()
	monitor := connectivity.NewMonitor(cfg, staticProber{}, f.events, zap.NewNop())
	q := queue.New(f.store, f.events, zap.NewNop(), cfg.MaxAttempts)
	second := New(cfg, Deps{
		Store:   f.store,
		Events:  f.events,
		Monitor: monitor,
		Queue:   q,
	}, zap.NewNop())
	defer second.Close()
	if err := second.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	restored := second.Settings()
	if restored.AutoSync || restored.SyncInterval != interval {
		t.Fatalf("settings did not survive restart: %+v", restored)
	}
}

func TestSyncNowDrainsAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var replayed []string
	exec := func(_ context.Context, action model.DeferredAction) error {
		mu.Lock()
		defer mu.Unlock()
		replayed = append(replayed, action.Kind)
		return nil
	}
	f := newFixture(t, exec)
	ctx := context.Background()
	log := testutil.CollectEvents(t, f.events)
	if err := f.coord.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	notified := 0
	f.coord.AddSyncListener(func(queue.DrainResult) { notified++ })

	if _, err := f.coord.Enqueue(ctx, "note.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.coord.Enqueue(ctx, "note.update", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := f.coord.SyncNow(ctx)
	if len(result.Succeeded) != 2 || len(result.Failed) != 0 {
		t.Fatalf("unexpected drain result: %+v", result)
	}
	mu.Lock()
	order := append([]string(nil), replayed...)
	mu.Unlock()
	if len(order) != 2 || order[0] != "note.create" || order[1] != "note.update" {
		t.Fatalf("replay order wrong: %v", order)
	}
	if notified != 1 {
		t.Fatalf("sync listener should fire once, got %d", notified)
	}
	if log.Count(model.EventSyncCompleted) != 1 {
		t.Fatalf("expected one sync-completed event")
	}
}

func TestReconnectTriggersAutoDrain(t *testing.T) {
	drained := make(chan string, 4)
	exec := func(_ context.Context, action model.DeferredAction) error {
		drained <- action.ID
		return nil
	}
	f := newFixture(t, exec)
	ctx := context.Background()
	if err := f.coord.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	action, err := f.coord.Enqueue(ctx, "note.create", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Offline, then back online.
	now := time.Now().UTC()
	probeErr := errors.New("down")
	f.monitor.Observe(connectivity.Sample{}, probeErr, now)
	f.monitor.Observe(connectivity.Sample{}, probeErr, now)
	if f.coord.Online() {
		t.Fatalf("expected offline after consecutive failures")
	}
	f.monitor.Observe(connectivity.Sample{RTT: 20 * time.Millisecond, QualityKnown: true}, nil, now)

	select {
	case id := <-drained:
		if id != action.ID {
			t.Fatalf("drained unexpected action %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect did not trigger a drain")
	}
}

func TestAutoSyncOffSuppressesReconnectDrain(t *testing.T) {
	drained := make(chan string, 4)
	exec := func(_ context.Context, action model.DeferredAction) error {
		drained <- action.ID
		return nil
	}
	f := newFixture(t, exec)
	ctx := context.Background()
	if err := f.coord.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	auto := false
	f.coord.UpdateSettings(ctx, model.SettingsPatch{AutoSync: &auto})

	if _, err := f.coord.Enqueue(ctx, "note.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UTC()
	probeErr := errors.New("down")
	f.monitor.Observe(connectivity.Sample{}, probeErr, now)
	f.monitor.Observe(connectivity.Sample{}, probeErr, now)
	f.monitor.Observe(connectivity.Sample{RTT: 20 * time.Millisecond, QualityKnown: true}, nil, now)

	select {
	case <-drained:
		t.Fatalf("drain must not run with auto sync off")
	case <-time.After(200 * time.Millisecond):
	}
	if f.queue.Len() != 1 {
		t.Fatalf("action should still be queued")
	}

	// Manual sync still works.
	result := f.coord.SyncNow(ctx)
	if len(result.Succeeded) != 1 {
		t.Fatalf("manual sync should drain: %+v", result)
	}
}

func TestSyncNowWithoutExecutor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	log := testutil.CollectEvents(t, f.events)
	if err := f.coord.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := f.coord.Enqueue(ctx, "note.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := f.coord.SyncNow(ctx)
	if len(result.Succeeded)+len(result.Failed) != 0 {
		t.Fatalf("drain without executor should do nothing: %+v", result)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue must be untouched")
	}
	if log.Count(model.EventSyncCompleted) != 0 {
		t.Fatalf("no sync event without an executor")
	}
}

func TestCapabilitiesReflectWiring(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	caps := f.coord.Capabilities()
	if !caps.DurableStore {
		t.Fatalf("sqlite-backed store should report durable")
	}
	if caps.Worker {
		t.Fatalf("worker capability requires registration")
	}
	if caps.Push {
		t.Fatalf("nil push platform must report unsupported")
	}

	if err := f.coord.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !f.coord.Capabilities().Worker {
		t.Fatalf("registered worker should flip the capability")
	}
}
