// Package daemon serves the coordinator to local clients over HTTP on
// a unix socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/croftlabs/furrow/internal/api"
	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/config"
	"github.com/croftlabs/furrow/internal/coordinator"
	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/prompt"
)

const schemaVersion = "v1"

type Server struct {
	cfg     config.Config
	coord   *coordinator.Coordinator
	logger  *zap.Logger
	httpSrv *http.Server

	mu          sync.Mutex
	listener    net.Listener
	lockFile    *os.File
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, coord *coordinator.Coordinator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		coord:  coord,
		logger: logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/settings", s.settingsHandler)
	mux.HandleFunc("/v1/queue", s.queueHandler)
	mux.HandleFunc("/v1/queue/dead", s.deadHandler)
	mux.HandleFunc("/v1/queue/requeue", s.requeueHandler)
	mux.HandleFunc("/v1/sync", s.syncHandler)
	mux.HandleFunc("/v1/worker/version", s.workerVersionHandler)
	mux.HandleFunc("/v1/worker/apply-update", s.applyUpdateHandler)
	mux.HandleFunc("/v1/prompt/show", s.promptShowHandler)
	mux.HandleFunc("/v1/watch", s.watchHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Connectivity:  s.coord.Status(),
		Worker:        s.coord.WorkerState(),
		Capabilities:  s.coord.Capabilities(),
		QueueDepth:    s.coord.Queue().Len(),
		DeadLetters:   len(s.coord.Queue().DeadLetters()),
	})
}

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeSettings(w, s.coord.Settings())
	case http.MethodPatch:
		var req api.SettingsPatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "invalid settings patch")
			return
		}
		patch := model.SettingsPatch{
			AutoSync:            req.AutoSync,
			EnableNotifications: req.EnableNotifications,
		}
		if req.SyncIntervalMs != nil {
			d := time.Duration(*req.SyncIntervalMs) * time.Millisecond
			if d <= 0 {
				s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "sync_interval_ms must be positive")
				return
			}
			patch.SyncInterval = &d
		}
		if req.MaxCacheAgeMs != nil {
			d := time.Duration(*req.MaxCacheAgeMs) * time.Millisecond
			if d <= 0 {
				s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "max_cache_age_ms must be positive")
				return
			}
			patch.MaxCacheAge = &d
		}
		s.writeSettings(w, s.coord.UpdateSettings(r.Context(), patch))
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPatch)
	}
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeQueue(w, s.coord.Queue().Pending())
	case http.MethodPost:
		var req api.EnqueueRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "invalid enqueue request")
			return
		}
		action, err := s.coord.Enqueue(r.Context(), req.Kind, req.Payload)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, api.EnqueueResponse{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Action:        toActionItem(action),
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) deadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeQueue(w, s.coord.Queue().DeadLetters())
}

func (s *Server) requeueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.RequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "id is required")
		return
	}
	if err := s.coord.Queue().Requeue(r.Context(), req.ID); err != nil {
		s.writeError(w, http.StatusNotFound, model.ErrNotFound, err.Error())
		return
	}
	s.writeQueue(w, s.coord.Queue().Pending())
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	result := s.coord.SyncNow(r.Context())
	resp := api.SyncResponse{
		SchemaVersion:   schemaVersion,
		GeneratedAt:     time.Now().UTC(),
		AlreadyDraining: result.AlreadyDraining,
	}
	for _, a := range result.Succeeded {
		resp.Succeeded = append(resp.Succeeded, toActionItem(a))
	}
	for _, a := range result.Failed {
		resp.Failed = append(resp.Failed, toActionItem(a))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) workerVersionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	version, err := s.coord.ActiveWorkerVersion(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrWorkerUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.WorkerVersionEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Version:       version,
	})
}

func (s *Server) applyUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	before := s.coord.WorkerState()
	if err := s.coord.ApplyWorkerUpdate(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrWorkerUnavailable, err.Error())
		return
	}
	after := s.coord.WorkerState()
	s.writeJSON(w, http.StatusOK, api.ApplyUpdateResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Applied:       before.Phase == model.WorkerUpdateInstalled && after.Phase == model.WorkerActivated,
		Phase:         string(after.Phase),
	})
}

func (s *Server) promptShowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	choice := prompt.ChoiceUnavailable
	if p := s.coord.InstallPrompt(); p != nil {
		choice = p.Show(r.Context())
	}
	s.writeJSON(w, http.StatusOK, api.PromptShowResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Choice:        string(choice),
	})
}

// watchHandler streams bus events as NDJSON until the client goes
// away.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "streaming unsupported")
		return
	}

	events := make(chan bus.Event, 64)
	cancel := s.coord.Events().Subscribe(func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			// Slow watcher; drop rather than stall the bus.
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher.Flush()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			line := api.WatchLine{
				SchemaVersion: schemaVersion,
				EmittedAt:     ev.At,
				Kind:          string(ev.Kind),
				Payload:       ev.Payload,
			}
			if err := enc.Encode(line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeSettings(w http.ResponseWriter, settings model.OfflineSettings) {
	s.writeJSON(w, http.StatusOK, api.SettingsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Settings:      settings,
	})
}

func (s *Server) writeQueue(w http.ResponseWriter, actions []model.DeferredAction) {
	env := api.QueueEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
	}
	for _, a := range actions {
		env.Actions = append(env.Actions, toActionItem(a))
	}
	s.writeJSON(w, http.StatusOK, env)
}

func toActionItem(a model.DeferredAction) api.ActionItem {
	return api.ActionItem{
		ID:        a.ID,
		Kind:      a.Kind,
		Payload:   a.Payload,
		CreatedAt: a.CreatedAt,
		Attempts:  a.Attempts,
		LastError: a.LastError,
		Status:    string(a.Status),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: msg},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrInvalidRequest, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
