package doctor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/croftlabs/furrow/internal/config"
)

type ScaffoldOptions struct {
	ConfigPath string
	Force      bool
	DryRun     bool
}

type ScaffoldResult struct {
	DryRun       bool     `json:"dry_run"`
	FilesWritten []string `json:"files_written,omitempty"`
	Backups      []string `json:"backups,omitempty"`
	Skipped      bool     `json:"skipped,omitempty"`
}

// Scaffold writes a starter config file with every supported key spelled
// out. An existing file is left alone unless Force is set, in which case
// the old file is kept as a timestamped backup.
func Scaffold(opts ScaffoldOptions) (ScaffoldResult, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = config.DefaultPath()
	}

	res := ScaffoldResult{DryRun: opts.DryRun}
	existing, err := readOptional(path)
	if err != nil {
		return ScaffoldResult{}, err
	}
	if len(existing) > 0 && !opts.Force {
		res.Skipped = true
		return res, nil
	}

	content := renderConfigTemplate(config.DefaultConfig())
	if bytes.Equal(existing, []byte(content)) {
		res.Skipped = true
		return res, nil
	}
	if opts.DryRun {
		res.FilesWritten = append(res.FilesWritten, path)
		return res, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ScaffoldResult{}, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if len(existing) > 0 {
		backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UTC().UnixNano())
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return ScaffoldResult{}, fmt.Errorf("write backup %s: %w", backupPath, err)
		}
		res.Backups = append(res.Backups, backupPath)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmpPath, []byte(content), 0o600); err != nil {
		return ScaffoldResult{}, fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return ScaffoldResult{}, fmt.Errorf("rename temp file %s: %w", path, err)
	}
	res.FilesWritten = append(res.FilesWritten, path)
	return res, nil
}

func renderConfigTemplate(defaults config.Config) string {
	return fmt.Sprintf(`# furrow daemon configuration.
# Unset keys fall back to built-in defaults.

# socket = %q
# db = %q
# data_dir = %q

probe_url = %q
probe_interval_sec = %d
probe_timeout_sec = %d
slow_rtt_ms = %d
slow_downlink_mbps = %.1f

# Where deferred actions are replayed to. Sync is disabled until set.
# sync_endpoint = "https://api.example.com/v1/sync"
max_attempts = %d
sync_interval_sec = %d
max_cache_age_sec = %d

# Path to the sync worker bundle. The worker stays disabled until set.
# worker_bundle = "/usr/local/lib/furrow/worker"
# worker_socket = %q
update_check_min = %d

# push_server_key = ""
`,
		defaults.SocketPath,
		defaults.DBPath,
		defaults.DataDir,
		defaults.ProbeURL,
		int(defaults.ProbeInterval.Seconds()),
		int(defaults.ProbeTimeout.Seconds()),
		defaults.SlowRTT.Milliseconds(),
		defaults.SlowDownlinkMbps,
		defaults.MaxAttempts,
		int(defaults.SyncInterval.Seconds()),
		int(defaults.MaxCacheAge.Seconds()),
		defaults.WorkerSocketPath,
		int(defaults.UpdateCheckInterval.Minutes()),
	)
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("read file %s: %w", path, err)
}
