package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	defaults := DefaultConfig()
	if cfg.ProbeInterval != defaults.ProbeInterval || cfg.MaxAttempts != defaults.MaxAttempts {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
socket = "/tmp/test-furrowd.sock"
probe_url = "https://probe.internal/204"
probe_interval_sec = 60
slow_rtt_ms = 300
sync_endpoint = "https://api.internal/sync"
max_attempts = 3
max_cache_age_sec = 3600
worker_bundle = "/opt/furrow/worker"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/tmp/test-furrowd.sock" {
		t.Fatalf("socket not overlaid: %s", cfg.SocketPath)
	}
	if cfg.ProbeURL != "https://probe.internal/204" {
		t.Fatalf("probe url not overlaid: %s", cfg.ProbeURL)
	}
	if cfg.ProbeInterval != time.Minute {
		t.Fatalf("probe interval = %s, want 1m", cfg.ProbeInterval)
	}
	if cfg.SlowRTT != 300*time.Millisecond {
		t.Fatalf("slow rtt = %s, want 300ms", cfg.SlowRTT)
	}
	if cfg.SyncEndpoint != "https://api.internal/sync" {
		t.Fatalf("sync endpoint not overlaid: %s", cfg.SyncEndpoint)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.MaxCacheAge != time.Hour {
		t.Fatalf("max cache age = %s, want 1h", cfg.MaxCacheAge)
	}
	if cfg.WorkerBundlePath != "/opt/furrow/worker" {
		t.Fatalf("worker bundle not overlaid: %s", cfg.WorkerBundlePath)
	}

	// Keys the file does not set keep their defaults.
	defaults := DefaultConfig()
	if cfg.OfflineProbeInterval != defaults.OfflineProbeInterval {
		t.Fatalf("unset key changed: %s", cfg.OfflineProbeInterval)
	}
	if cfg.DBPath != defaults.DBPath {
		t.Fatalf("unset db path changed: %s", cfg.DBPath)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("socket = [broken"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
