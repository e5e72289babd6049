// Package worker manages the sync-worker lifecycle: registration, new
// version detection, controlled update application, and version
// queries over the worker socket.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/config"
	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/workerproto"
)

const applyTimeout = 10 * time.Second

type Manager struct {
	cfg     config.Config
	rt      Runtime
	events  *bus.Bus
	logger  *zap.Logger
	restart func()

	mu             sync.Mutex
	phase          model.WorkerPhase
	activeVersion  string
	waitingVersion string
	announced      map[string]bool
	restarted      bool
}

// NewManager builds the lifecycle manager. restart is invoked exactly
// once after a controller change completes an update; nil means the
// manager only publishes a restart-requested event.
func NewManager(cfg config.Config, rt Runtime, events *bus.Bus, logger *zap.Logger, restart func()) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		rt:        rt,
		events:    events,
		logger:    logger,
		restart:   restart,
		phase:     model.WorkerUnregistered,
		announced: map[string]bool{},
	}
	if m.restart == nil {
		m.restart = func() {
			if m.events != nil {
				m.events.Emit(model.EventRestartRequested, nil)
			}
		}
	}
	return m
}

// Register starts the worker and records its active version. Failure
// is non-fatal for the host: the phase stays unregistered and a
// RegistrationFailed event is published.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != model.WorkerUnregistered {
		m.mu.Unlock()
		return nil
	}
	m.phase = model.WorkerRegistering
	m.mu.Unlock()

	if err := m.rt.Start(ctx); err != nil {
		m.mu.Lock()
		m.phase = model.WorkerUnregistered
		m.mu.Unlock()
		m.logger.Warn("worker registration failed", zap.Error(err))
		if m.events != nil {
			m.events.Emit(model.EventRegistrationFailed, err.Error())
		}
		return err
	}

	version, err := m.ActiveVersion(ctx)
	if err != nil {
		m.logger.Warn("worker version query failed after register", zap.Error(err))
	}
	m.mu.Lock()
	m.phase = model.WorkerRegistered
	m.activeVersion = version
	m.mu.Unlock()
	return nil
}

func (m *Manager) State() model.WorkerUpdateState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.WorkerUpdateState{
		Phase:           m.phase,
		ActiveVersion:   m.activeVersion,
		WaitingVersion:  m.waitingVersion,
		UpdateAvailable: m.phase == model.WorkerUpdateInstalled,
	}
}

// Run polls for updates on a fixed interval and additionally reacts to
// bundle rewrites on disk. Check failures are logged, never fatal.
func (m *Manager) Run(ctx context.Context) {
	var watchCh <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("bundle watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close() //nolint:errcheck
		if m.cfg.WorkerBundlePath != "" {
			if err := watcher.Add(filepath.Dir(m.cfg.WorkerBundlePath)); err != nil {
				m.logger.Warn("watch bundle dir", zap.Error(err))
			}
		}
		watchCh = watcher.Events
	}

	ticker := time.NewTicker(m.cfg.UpdateCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckForUpdate(ctx)
		case ev, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			if ev.Name != m.cfg.WorkerBundlePath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m.CheckForUpdate(ctx)
		}
	}
}

// CheckForUpdate compares the on-disk bundle version with the running
// worker. A new version while a controller is active moves the state
// machine through update_found to update_installed and announces
// UpdateAvailable exactly once per version.
func (m *Manager) CheckForUpdate(ctx context.Context) {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()
	if phase == model.WorkerUnregistered || phase == model.WorkerRegistering {
		return
	}

	bundle, err := m.rt.BundleVersion()
	if err != nil {
		m.logger.Warn("update check failed", zap.Error(err))
		return
	}
	if bundle == "" {
		return
	}

	m.mu.Lock()
	switch {
	case m.activeVersion == "":
		// First install: adopt the bundle without announcing an
		// update, mirroring a worker installed with no prior
		// controller.
		m.activeVersion = bundle
		m.mu.Unlock()
		return
	case bundle == m.activeVersion || m.announced[bundle]:
		m.mu.Unlock()
		return
	}
	// A fully written bundle on disk means the new worker is already
	// installed and waiting; update_found is instantaneous here.
	m.phase = model.WorkerUpdateInstalled
	m.waitingVersion = bundle
	m.announced[bundle] = true
	m.mu.Unlock()

	m.logger.Info("worker update installed and waiting",
		zap.String("active", m.activeVersion),
		zap.String("waiting", bundle))
	if m.events != nil {
		m.events.Emit(model.EventUpdateAvailable, bundle)
	}
}

// ApplyUpdate promotes the waiting worker: it sends SKIP_WAITING,
// waits for the controller-change announcement, then fires the restart
// hook exactly once. Outside update_installed it is a logged no-op.
func (m *Manager) ApplyUpdate(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != model.WorkerUpdateInstalled {
		phase := m.phase
		m.mu.Unlock()
		m.logger.Info("apply update ignored outside waiting state", zap.String("phase", string(phase)))
		return nil
	}
	waiting := m.waitingVersion
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()
	conn, err := m.rt.Dial(ctx)
	if err != nil {
		m.logger.Warn("apply update: worker unreachable", zap.Error(err))
		return err
	}
	defer conn.Close() //nolint:errcheck
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	env, err := workerproto.NewEnvelope(workerproto.TypeSkipWaiting, uuid.NewString(), nil)
	if err != nil {
		return err
	}
	if err := workerproto.Write(conn, env); err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	for {
		reply, err := workerproto.Read(reader)
		if err != nil {
			m.logger.Warn("apply update: no controller change", zap.Error(err))
			return err
		}
		if reply.Type == workerproto.TypeControllerChange {
			break
		}
	}

	m.mu.Lock()
	m.phase = model.WorkerActivated
	m.activeVersion = waiting
	m.waitingVersion = ""
	fire := !m.restarted
	m.restarted = true
	m.mu.Unlock()

	m.logger.Info("worker update applied", zap.String("version", waiting))
	if fire {
		m.restart()
	}
	return nil
}

// ActiveVersion queries the running worker over the message socket.
// It resolves to "" when no worker answers within the version timeout;
// it never hangs indefinitely.
func (m *Manager) ActiveVersion(ctx context.Context) (string, error) {
	timeout := m.cfg.VersionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := m.rt.Dial(ctx)
	if err != nil {
		return "", nil
	}
	defer conn.Close() //nolint:errcheck
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	requestID := uuid.NewString()
	env, err := workerproto.NewEnvelope(workerproto.TypeGetVersion, requestID, nil)
	if err != nil {
		return "", err
	}
	if err := workerproto.Write(conn, env); err != nil {
		return "", nil
	}

	reader := bufio.NewReader(conn)
	for {
		reply, err := workerproto.Read(reader)
		if err != nil {
			return "", nil
		}
		if reply.Type == workerproto.TypeBackgroundSync {
			m.HandleInbound(reply)
			continue
		}
		if reply.Type != workerproto.TypeVersion || reply.RequestID != requestID {
			continue
		}
		var payload workerproto.VersionPayload
		if err := json.Unmarshal(reply.Payload, &payload); err != nil {
			return "", nil
		}
		return payload.Version, nil
	}
}

// HandleInbound republishes worker-originated messages for the rest of
// the application.
func (m *Manager) HandleInbound(env workerproto.Envelope) {
	switch env.Type {
	case workerproto.TypeBackgroundSync:
		var payload workerproto.SyncPayload
		_ = json.Unmarshal(env.Payload, &payload)
		if m.events != nil {
			m.events.Emit(model.EventBackgroundSync, payload.Tag)
		}
	default:
		m.logger.Debug("unhandled worker message", zap.String("type", env.Type))
	}
}
