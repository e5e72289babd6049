// Package coordinator is the single entry point of the offline
// subsystem. It composes the connectivity monitor, the persistent
// store, the deferred-action queue, the worker lifecycle manager, and
// the install/push managers, owns the offline settings, and is the
// only component the rest of the application talks to.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
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
	"github.com/croftlabs/furrow/internal/worker"
)

// Deps are the composed subsystems. Worker may be nil when the worker
// bundle is not configured; everything else is required.
type Deps struct {
	Store    *store.Store
	Events   *bus.Bus
	Monitor  *connectivity.Monitor
	Queue    *queue.Queue
	Worker   *worker.Manager
	Prompt   *prompt.Manager
	Push     *push.Manager
	Executor queue.Executor
}

type Coordinator struct {
	cfg    config.Config
	logger *zap.Logger
	deps   Deps

	mu       sync.Mutex
	settings model.OfflineSettings
	initDone bool
	runCtx   context.Context
	cancel   context.CancelFunc
	resched  chan struct{}

	syncMu   sync.Mutex
	nextSync int
	syncSubs map[int]func(queue.DrainResult)
}

func New(cfg config.Config, deps Deps, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := model.DefaultSettings()
	if cfg.SyncInterval > 0 {
		settings.SyncInterval = cfg.SyncInterval
	}
	if cfg.MaxCacheAge > 0 {
		settings.MaxCacheAge = cfg.MaxCacheAge
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logger,
		deps:     deps,
		settings: settings,
		resched:  make(chan struct{}, 1),
		syncSubs: map[int]func(queue.DrainResult){},
	}
}

// Init restores persisted state and starts the background loops. It is
// idempotent: a second call neither re-registers the worker nor starts
// a second sync timer.
func (c *Coordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.initDone {
		c.mu.Unlock()
		return nil
	}
	c.initDone = true
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.loadSettings(ctx)
	if err := c.deps.Queue.Load(ctx); err != nil {
		c.logger.Warn("queue restore failed, starting empty", zap.Error(err))
	}

	c.deps.Monitor.Subscribe(c.onStatusChange)
	go c.deps.Monitor.Run(runCtx)

	if c.deps.Worker != nil {
		if err := c.deps.Worker.Register(ctx); err != nil {
			// Already published as RegistrationFailed; the app runs
			// without update detection.
			c.logger.Warn("continuing without sync worker", zap.Error(err))
		}
		go c.deps.Worker.Run(runCtx)
	}

	go c.syncLoop(runCtx)
	return nil
}

// Close stops the background loops. The store is owned by the caller.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AddStatusListener subscribes to connectivity transitions. No initial
// call is made; use Status for the current value.
func (c *Coordinator) AddStatusListener(fn func(model.ConnectivityState)) func() {
	return c.deps.Monitor.Subscribe(fn)
}

// AddSyncListener subscribes to drain results, whether triggered by
// reconnect, timer, or SyncNow.
func (c *Coordinator) AddSyncListener(fn func(queue.DrainResult)) func() {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	id := c.nextSync
	c.nextSync++
	c.syncSubs[id] = fn
	return func() {
		c.syncMu.Lock()
		defer c.syncMu.Unlock()
		delete(c.syncSubs, id)
	}
}

func (c *Coordinator) Status() model.ConnectivityState {
	return c.deps.Monitor.State()
}

func (c *Coordinator) Online() bool {
	return c.deps.Monitor.State().Online
}

func (c *Coordinator) Offline() bool {
	return !c.Online()
}

func (c *Coordinator) Settings() model.OfflineSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings merges the patch, persists immediately, and
// reschedules the periodic drain timer when the interval changed. An
// in-flight drain is never interrupted.
func (c *Coordinator) UpdateSettings(ctx context.Context, patch model.SettingsPatch) model.OfflineSettings {
	c.mu.Lock()
	intervalChanged := false
	if patch.AutoSync != nil {
		c.settings.AutoSync = *patch.AutoSync
	}
	if patch.SyncInterval != nil && *patch.SyncInterval > 0 && *patch.SyncInterval != c.settings.SyncInterval {
		c.settings.SyncInterval = *patch.SyncInterval
		intervalChanged = true
	}
	if patch.MaxCacheAge != nil && *patch.MaxCacheAge > 0 {
		c.settings.MaxCacheAge = *patch.MaxCacheAge
	}
	if patch.EnableNotifications != nil {
		c.settings.EnableNotifications = *patch.EnableNotifications
	}
	settings := c.settings
	c.mu.Unlock()

	c.persistSettings(ctx, settings)
	if intervalChanged {
		select {
		case c.resched <- struct{}{}:
		default:
		}
	}
	return settings
}

// SyncNow drains the queue immediately, regardless of AutoSync.
func (c *Coordinator) SyncNow(ctx context.Context) queue.DrainResult {
	return c.drainAndNotify(ctx)
}

// Enqueue records a mutation for later replay.
func (c *Coordinator) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (model.DeferredAction, error) {
	return c.deps.Queue.Enqueue(ctx, kind, payload)
}

func (c *Coordinator) Queue() *queue.Queue {
	return c.deps.Queue
}

func (c *Coordinator) Store() *store.Store {
	return c.deps.Store
}

func (c *Coordinator) Events() *bus.Bus {
	return c.deps.Events
}

func (c *Coordinator) InstallPrompt() *prompt.Manager {
	return c.deps.Prompt
}

func (c *Coordinator) Push() *push.Manager {
	return c.deps.Push
}

// WorkerState reports the lifecycle state, or an unregistered zero
// state when no worker is configured.
func (c *Coordinator) WorkerState() model.WorkerUpdateState {
	if c.deps.Worker == nil {
		return model.WorkerUpdateState{Phase: model.WorkerUnregistered}
	}
	return c.deps.Worker.State()
}

func (c *Coordinator) ActiveWorkerVersion(ctx context.Context) (string, error) {
	if c.deps.Worker == nil {
		return "", nil
	}
	return c.deps.Worker.ActiveVersion(ctx)
}

func (c *Coordinator) ApplyWorkerUpdate(ctx context.Context) error {
	if c.deps.Worker == nil {
		c.logger.Info("apply update ignored, no worker configured")
		return nil
	}
	return c.deps.Worker.ApplyUpdate(ctx)
}

// Capabilities flags which optional subsystems are live, in place of
// thrown errors for degraded init.
func (c *Coordinator) Capabilities() model.Capabilities {
	caps := model.Capabilities{
		DurableStore: c.deps.Store.Durable(),
		Push:         c.deps.Push != nil && c.deps.Push.Supported(),
	}
	if c.deps.Worker != nil {
		caps.Worker = c.deps.Worker.State().Phase != model.WorkerUnregistered
	}
	return caps
}

func (c *Coordinator) onStatusChange(state model.ConnectivityState) {
	if !state.Online {
		return
	}
	c.mu.Lock()
	auto := c.settings.AutoSync
	runCtx := c.runCtx
	c.mu.Unlock()
	if !auto || runCtx == nil {
		return
	}
	c.logger.Info("back online, draining deferred actions")
	go c.drainAndNotify(runCtx)
}

func (c *Coordinator) syncLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		interval := c.settings.SyncInterval
		c.mu.Unlock()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.resched:
			timer.Stop()
			continue
		case <-timer.C:
		}
		c.mu.Lock()
		auto := c.settings.AutoSync
		c.mu.Unlock()
		if auto && c.Online() && c.deps.Queue.Len() > 0 {
			c.drainAndNotify(ctx)
		}
	}
}

func (c *Coordinator) drainAndNotify(ctx context.Context) queue.DrainResult {
	if c.deps.Executor == nil {
		c.logger.Debug("no executor wired, skipping drain")
		return queue.DrainResult{}
	}
	result := c.deps.Queue.Drain(ctx, c.deps.Executor)
	if result.AlreadyDraining {
		return result
	}

	c.syncMu.Lock()
	fns := make([]func(queue.DrainResult), 0, len(c.syncSubs))
	for _, fn := range c.syncSubs {
		fns = append(fns, fn)
	}
	c.syncMu.Unlock()
	for _, fn := range fns {
		fn(result)
	}
	if c.deps.Events != nil {
		c.deps.Events.Emit(model.EventSyncCompleted, result)
	}
	return result
}

func (c *Coordinator) loadSettings(ctx context.Context) {
	data, ok, err := c.deps.Store.Get(ctx, store.SettingsKey)
	if err != nil || !ok {
		return
	}
	var settings model.OfflineSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		c.logger.Warn("corrupt persisted settings, keeping defaults", zap.Error(err))
		return
	}
	if settings.SyncInterval <= 0 {
		settings.SyncInterval = model.DefaultSettings().SyncInterval
	}
	if settings.MaxCacheAge <= 0 {
		settings.MaxCacheAge = model.DefaultSettings().MaxCacheAge
	}
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
}

func (c *Coordinator) persistSettings(ctx context.Context, settings model.OfflineSettings) {
	data, err := json.Marshal(settings)
	if err != nil {
		c.logger.Error("marshal settings", zap.Error(err))
		return
	}
	c.deps.Store.Set(ctx, store.SettingsKey, data)
}

// Process-wide accessor. Construction stays explicit; the accessor
// only hands out what main wired up.
var (
	defaultMu sync.Mutex
	defaultC  *Coordinator
)

func SetDefault(c *Coordinator) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultC = c
}

func Default() *Coordinator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultC
}
