package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/config"
	"github.com/croftlabs/furrow/internal/connectivity"
	"github.com/croftlabs/furrow/internal/coordinator"
	"github.com/croftlabs/furrow/internal/daemon"
	"github.com/croftlabs/furrow/internal/model"
	"github.com/croftlabs/furrow/internal/prompt"
	"github.com/croftlabs/furrow/internal/push"
	"github.com/croftlabs/furrow/internal/queue"
	"github.com/croftlabs/furrow/internal/store"
	"github.com/croftlabs/furrow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "TOML config path")
	debug := flag.Bool("debug", false, "verbose logging")
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for furrowd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "connectivity probe URL")
	flag.StringVar(&cfg.SyncEndpoint, "sync-endpoint", cfg.SyncEndpoint, "URL deferred actions are replayed to")
	flag.StringVar(&cfg.WorkerBundlePath, "worker-bundle", cfg.WorkerBundlePath, "sync worker executable path")
	flag.Parse()

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
		// Flags win over the file.
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "socket":
				cfg.SocketPath = f.Value.String()
			case "db":
				cfg.DBPath = f.Value.String()
			case "probe-url":
				cfg.ProbeURL = f.Value.String()
			case "sync-endpoint":
				cfg.SyncEndpoint = f.Value.String()
			case "worker-bundle":
				cfg.WorkerBundlePath = f.Value.String()
			}
		})
	}

	logger, err := buildLogger(*debug)
	if err != nil {
		fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events := bus.New(logger)
	st := store.Open(ctx, cfg, events, logger)
	defer st.Close() //nolint:errcheck

	prober := connectivity.NewHTTPProber(cfg.ProbeURL, cfg.ProbeTimeout)
	monitor := connectivity.NewMonitor(cfg, prober, events, logger)
	q := queue.New(st, events, logger, cfg.MaxAttempts)

	var workerMgr *worker.Manager
	if cfg.WorkerBundlePath != "" {
		rt := &worker.ProcRuntime{
			BundlePath: cfg.WorkerBundlePath,
			SocketPath: cfg.WorkerSocketPath,
		}
		workerMgr = worker.NewManager(cfg, rt, events, logger, nil)
	} else {
		logger.Info("sync worker disabled, no bundle configured")
	}

	promptMgr := prompt.NewManager(events, logger)
	pushMgr := push.NewManager(nil, events, logger)

	coord := coordinator.New(cfg, coordinator.Deps{
		Store:    st,
		Events:   events,
		Monitor:  monitor,
		Queue:    q,
		Worker:   workerMgr,
		Prompt:   promptMgr,
		Push:     pushMgr,
		Executor: syncExecutor(cfg, logger),
	}, logger)
	if err := coord.Init(ctx); err != nil {
		fatal(err)
	}
	defer coord.Close()
	coordinator.SetDefault(coord)

	srv := daemon.NewServer(cfg, coord, logger)
	logger.Info("furrowd listening",
		zap.String("socket", cfg.SocketPath),
		zap.String("store", string(st.Kind())))
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

// syncExecutor replays a deferred action against the sync endpoint.
// With no endpoint configured the daemon accepts actions but never
// drains them.
func syncExecutor(cfg config.Config, logger *zap.Logger) queue.Executor {
	if cfg.SyncEndpoint == "" {
		logger.Warn("no sync endpoint configured, deferred actions will not drain")
		return nil
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, action model.DeferredAction) error {
		body := action.Payload
		if len(body) == 0 {
			body = []byte("{}")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.SyncEndpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Furrow-Action-Kind", action.Kind)
		req.Header.Set("X-Furrow-Action-ID", action.ID)
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= 400 {
			return fmt.Errorf("sync endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "furrowd: %v\n", err)
	os.Exit(1)
}
