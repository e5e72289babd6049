package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/api"
	"github.com/croftlabs/furrow/internal/client"
	"github.com/croftlabs/furrow/internal/config"
	"github.com/croftlabs/furrow/internal/connectivity"
	"github.com/croftlabs/furrow/internal/coordinator"
	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/prompt"
	"github.com/croftlabs/furrow/internal/push"
	"github.com/croftlabs/furrow/internal/queue"
	"github.com/croftlabs/furrow/internal/testutil"
)

func unixTransport(socketPath string) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
}

type okProber struct{}

func (okProber) Probe(context.Context) (connectivity.Sample, error) {
	return connectivity.Sample{RTT: 20 * time.Millisecond, QualityKnown: true}, nil
}

// startServer brings a real daemon up on a unix socket and returns a
// client bound to it.
func startServer(t *testing.T, exec queue.Executor) (*client.Client, config.Config) {
	t.Helper()
	st, events, _ := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "furrowd.sock")

	monitor := connectivity.NewMonitor(cfg, okProber{}, events, zap.NewNop())
	coord := coordinator.New(cfg, coordinator.Deps{
		Store:    st,
		Events:   events,
		Monitor:  monitor,
		Queue:    queue.New(st, events, zap.NewNop(), cfg.MaxAttempts),
		Prompt:   prompt.NewManager(events, zap.NewNop()),
		Push:     push.NewManager(nil, events, zap.NewNop()),
		Executor: exec,
	}, zap.NewNop())
	t.Cleanup(coord.Close)
	if err := coord.Init(context.Background()); err != nil {
		t.Fatalf("coordinator init: %v", err)
	}

	srv := NewServer(cfg, coord, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not shut down")
		}
	})

	c := client.New(cfg.SocketPath)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := c.Health(context.Background()); err == nil {
			return c, cfg
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never became healthy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthAndStatus(t *testing.T) {
	c, _ := startServer(t, nil)
	ctx := context.Background()

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "ok" || health.SchemaVersion != "v1" {
		t.Fatalf("unexpected health: %+v", health)
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.QueueDepth != 0 || status.DeadLetters != 0 {
		t.Fatalf("fresh daemon should have an empty queue: %+v", status)
	}
	if status.Worker.Phase != model.WorkerUnregistered {
		t.Fatalf("no worker configured, phase = %s", status.Worker.Phase)
	}
	if !status.Capabilities.DurableStore {
		t.Fatalf("sqlite store should report durable")
	}
}

func TestSettingsPatchOverSocket(t *testing.T) {
	c, _ := startServer(t, nil)
	ctx := context.Background()

	interval := int64(45_000)
	auto := false
	env, err := c.UpdateSettings(ctx, api.SettingsPatchRequest{
		AutoSync:       &auto,
		SyncIntervalMs: &interval,
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if env.Settings.AutoSync || env.Settings.SyncInterval != 45*time.Second {
		t.Fatalf("patch not reflected: %+v", env.Settings)
	}

	got, err := c.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if got.Settings.AutoSync || got.Settings.SyncInterval != 45*time.Second {
		t.Fatalf("settings did not stick: %+v", got.Settings)
	}
}

func TestSettingsPatchRejectsNonpositiveInterval(t *testing.T) {
	c, _ := startServer(t, nil)

	bad := int64(0)
	_, err := c.UpdateSettings(context.Background(), api.SettingsPatchRequest{SyncIntervalMs: &bad})
	var reqErr *client.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected request error, got %v", err)
	}
	if reqErr.StatusCode != http.StatusBadRequest || reqErr.Code != model.ErrInvalidRequest {
		t.Fatalf("unexpected error: %+v", reqErr)
	}
}

func TestQueueEnqueueListSync(t *testing.T) {
	exec := func(context.Context, model.DeferredAction) error { return nil }
	c, _ := startServer(t, exec)
	ctx := context.Background()

	created, err := c.Enqueue(ctx, "note.create", json.RawMessage(`{"title":"offline"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if created.Action.ID == "" || created.Action.Kind != "note.create" {
		t.Fatalf("bad enqueue response: %+v", created.Action)
	}

	listed, err := c.Queue(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed.Actions) != 1 || listed.Actions[0].ID != created.Action.ID {
		t.Fatalf("queue listing wrong: %+v", listed.Actions)
	}

	synced, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced.AlreadyDraining || len(synced.Succeeded) != 1 || len(synced.Failed) != 0 {
		t.Fatalf("unexpected sync response: %+v", synced)
	}

	after, err := c.Queue(ctx)
	if err != nil {
		t.Fatalf("list after sync: %v", err)
	}
	if len(after.Actions) != 0 {
		t.Fatalf("queue should be drained: %+v", after.Actions)
	}
}

func TestEnqueueRejectsEmptyKind(t *testing.T) {
	c, _ := startServer(t, nil)

	_, err := c.Enqueue(context.Background(), "  ", nil)
	if err == nil {
		t.Fatalf("expected an error for a blank kind")
	}
}

func TestRequeueUnknownIDIsNotFound(t *testing.T) {
	c, _ := startServer(t, nil)

	_, err := c.Requeue(context.Background(), "no-such-action")
	var reqErr *client.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected request error, got %v", err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Code != model.ErrNotFound {
		t.Fatalf("unexpected error: %+v", reqErr)
	}
}

func TestWorkerEndpointsWithoutWorker(t *testing.T) {
	c, _ := startServer(t, nil)
	ctx := context.Background()

	version, err := c.WorkerVersion(ctx)
	if err != nil {
		t.Fatalf("worker version: %v", err)
	}
	if version.Version != "" {
		t.Fatalf("no worker configured, version = %q", version.Version)
	}

	applied, err := c.ApplyWorkerUpdate(ctx)
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if applied.Applied {
		t.Fatalf("nothing to apply without a worker")
	}
}

func TestPromptShowWithoutCapture(t *testing.T) {
	c, _ := startServer(t, nil)

	resp, err := c.ShowInstallPrompt(context.Background())
	if err != nil {
		t.Fatalf("prompt show: %v", err)
	}
	if resp.Choice != string(prompt.ChoiceUnavailable) {
		t.Fatalf("uncaptured prompt should resolve unavailable, got %q", resp.Choice)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, cfg := startServer(t, nil)

	httpc := &http.Client{Transport: unixTransport(cfg.SocketPath)}
	resp, err := httpc.Get("http://unix/v1/sync")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/sync = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("Allow header %q should list POST", allow)
	}
}

func TestSecondDaemonRefusesSocket(t *testing.T) {
	_, cfg := startServer(t, nil)

	dup := NewServer(cfg, nil, zap.NewNop())
	err := dup.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second daemon on the same socket should fail, got %v", err)
	}
}

func TestWatchStreamsSyncEvents(t *testing.T) {
	exec := func(context.Context, model.DeferredAction) error { return nil }
	c, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lines := make(chan api.WatchLine, 8)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- c.Watch(ctx, func(line api.WatchLine) error {
			lines <- line
			return nil
		})
	}()

	// Give the stream a beat to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	if _, err := c.Enqueue(ctx, "note.create", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := c.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	select {
	case line := <-lines:
		if line.Kind != string(model.EventSyncCompleted) {
			t.Fatalf("unexpected event %q", line.Kind)
		}
	case <-ctx.Done():
		t.Fatalf("no event arrived on the watch stream")
	}

	cancel()
	if err := <-watchErr; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("watch exit: %v", err)
	}
}
