package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	SocketPath string
	DBPath     string
	DataDir    string

	ProbeURL             string
	ProbeInterval        time.Duration
	OfflineProbeInterval time.Duration
	ProbeTimeout         time.Duration
	SlowRTT              time.Duration
	SlowDownlinkMbps     float64
	OfflineAfterFailures int
	OnlineAfterSuccesses int

	SyncEndpoint string
	MaxAttempts  int
	SyncInterval time.Duration
	MaxCacheAge  time.Duration

	WorkerBundlePath    string
	WorkerSocketPath    string
	UpdateCheckInterval time.Duration
	VersionTimeout      time.Duration

	PushServerKey string
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DBPath:               defaultDBPath(),
		DataDir:              defaultDataDir(),
		ProbeURL:             "https://connectivity.croftlabs.dev/generate_204",
		ProbeInterval:        15 * time.Second,
		OfflineProbeInterval: 5 * time.Second,
		ProbeTimeout:         4 * time.Second,
		SlowRTT:              150 * time.Millisecond,
		SlowDownlinkMbps:     1.0,
		OfflineAfterFailures: 2,
		OnlineAfterSuccesses: 1,
		MaxAttempts:          5,
		SyncInterval:         30 * time.Second,
		MaxCacheAge:          24 * time.Hour,
		WorkerSocketPath:     defaultWorkerSocketPath(),
		UpdateCheckInterval:  30 * time.Minute,
		VersionTimeout:       5 * time.Second,
	}
}

// Load reads a TOML config file and overlays it on the defaults.
// A missing file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Socket               string  `toml:"socket"`
		DB                   string  `toml:"db"`
		DataDir              string  `toml:"data_dir"`
		ProbeURL             string  `toml:"probe_url"`
		ProbeIntervalSec     int     `toml:"probe_interval_sec"`
		ProbeTimeoutSec      int     `toml:"probe_timeout_sec"`
		SlowRTTMs            int     `toml:"slow_rtt_ms"`
		SlowDownlinkMbps     float64 `toml:"slow_downlink_mbps"`
		SyncEndpoint         string  `toml:"sync_endpoint"`
		MaxAttempts          int     `toml:"max_attempts"`
		SyncIntervalSec      int     `toml:"sync_interval_sec"`
		MaxCacheAgeSec       int     `toml:"max_cache_age_sec"`
		WorkerBundle         string  `toml:"worker_bundle"`
		WorkerSocket         string  `toml:"worker_socket"`
		UpdateCheckMin       int     `toml:"update_check_min"`
		PushServerKey        string  `toml:"push_server_key"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if v := strings.TrimSpace(raw.Socket); v != "" {
		cfg.SocketPath = v
	}
	if v := strings.TrimSpace(raw.DB); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(raw.DataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(raw.ProbeURL); v != "" {
		cfg.ProbeURL = v
	}
	if raw.ProbeIntervalSec > 0 {
		cfg.ProbeInterval = time.Duration(raw.ProbeIntervalSec) * time.Second
	}
	if raw.ProbeTimeoutSec > 0 {
		cfg.ProbeTimeout = time.Duration(raw.ProbeTimeoutSec) * time.Second
	}
	if raw.SlowRTTMs > 0 {
		cfg.SlowRTT = time.Duration(raw.SlowRTTMs) * time.Millisecond
	}
	if raw.SlowDownlinkMbps > 0 {
		cfg.SlowDownlinkMbps = raw.SlowDownlinkMbps
	}
	if v := strings.TrimSpace(raw.SyncEndpoint); v != "" {
		cfg.SyncEndpoint = v
	}
	if raw.MaxAttempts > 0 {
		cfg.MaxAttempts = raw.MaxAttempts
	}
	if raw.SyncIntervalSec > 0 {
		cfg.SyncInterval = time.Duration(raw.SyncIntervalSec) * time.Second
	}
	if raw.MaxCacheAgeSec > 0 {
		cfg.MaxCacheAge = time.Duration(raw.MaxCacheAgeSec) * time.Second
	}
	if v := strings.TrimSpace(raw.WorkerBundle); v != "" {
		cfg.WorkerBundlePath = v
	}
	if v := strings.TrimSpace(raw.WorkerSocket); v != "" {
		cfg.WorkerSocketPath = v
	}
	if raw.UpdateCheckMin > 0 {
		cfg.UpdateCheckInterval = time.Duration(raw.UpdateCheckMin) * time.Minute
	}
	if v := strings.TrimSpace(raw.PushServerKey); v != "" {
		cfg.PushServerKey = v
	}
	return cfg, nil
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	return defaultConfigPath()
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "furrow", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "furrow.toml"
	}
	return filepath.Join(home, ".config", "furrow", "config.toml")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "furrow", "furrowd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".furrowd.sock"
	}
	return filepath.Join(home, ".local", "state", "furrow", "furrowd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "furrow.db"
	}
	return filepath.Join(home, ".local", "state", "furrow", "state.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".furrow"
	}
	return filepath.Join(home, ".local", "state", "furrow")
}

func defaultWorkerSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "furrow", "worker.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".furrow-worker.sock"
	}
	return filepath.Join(home, ".local", "state", "furrow", "worker.sock")
}
