// Package doctor inspects a furrow installation: config file, daemon
// socket, state database, and the optional sync worker bundle. It is
// meant to run before (or instead of) the daemon, so every check
// degrades to a filesystem probe when the daemon is down.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/croftlabs/furrow/internal/client"
	"github.com/croftlabs/furrow/internal/config"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Report struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// Run executes all checks against the given config. configPath names
// the file cfg was loaded from; empty means the default location.
func Run(ctx context.Context, cfg config.Config, configPath string) Report {
	out := Report{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	add(checkConfigFile(configPath))
	add(checkDaemon(ctx, cfg.SocketPath))
	add(checkDatabase(cfg.DBPath))
	add(checkDataDir(cfg.DataDir))
	add(checkWorkerBundle(cfg.WorkerBundlePath))
	return out
}

func checkConfigFile(path string) Check {
	if strings.TrimSpace(path) == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "config", Status: "warn", Message: "no config file, defaults apply", Path: path}
		}
		return Check{Name: "config", Status: "fail", Message: fmt.Sprintf("stat: %v", err), Path: path}
	}
	if _, err := config.Load(path); err != nil {
		return Check{Name: "config", Status: "fail", Message: err.Error(), Path: path}
	}
	return Check{Name: "config", Status: "pass", Message: "parsed", Path: path}
}

func checkDaemon(ctx context.Context, socketPath string) Check {
	st, err := os.Lstat(socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "daemon", Status: "warn", Message: "not running (no socket)", Path: socketPath}
		}
		return Check{Name: "daemon", Status: "fail", Message: fmt.Sprintf("stat socket: %v", err), Path: socketPath}
	}
	if st.Mode()&os.ModeSocket == 0 {
		return Check{Name: "daemon", Status: "fail", Message: "socket path is not a unix socket", Path: socketPath}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.New(socketPath).Health(pingCtx); err != nil {
		return Check{Name: "daemon", Status: "warn", Message: fmt.Sprintf("socket present but not responding: %v", err), Path: socketPath}
	}
	return Check{Name: "daemon", Status: "pass", Message: "responding", Path: socketPath}
}

// checkDatabase never opens the database. The daemon may hold it, and
// a doctor run must not contend for the write lock.
func checkDatabase(dbPath string) Check {
	if strings.TrimSpace(dbPath) == "" {
		return Check{Name: "database", Status: "fail", Message: "db path not configured"}
	}
	st, err := os.Stat(dbPath)
	switch {
	case err == nil:
		if !st.Mode().IsRegular() {
			return Check{Name: "database", Status: "fail", Message: "db path is not a regular file", Path: dbPath}
		}
		return Check{Name: "database", Status: "pass", Message: fmt.Sprintf("present (%d bytes)", st.Size()), Path: dbPath}
	case os.IsNotExist(err):
		dir := filepath.Dir(dbPath)
		if werr := unix.Access(dir, unix.W_OK); werr != nil {
			return Check{Name: "database", Status: "fail", Message: fmt.Sprintf("parent dir not writable: %v", werr), Path: dbPath}
		}
		return Check{Name: "database", Status: "pass", Message: "will be created on first run", Path: dbPath}
	default:
		return Check{Name: "database", Status: "fail", Message: fmt.Sprintf("stat: %v", err), Path: dbPath}
	}
}

func checkDataDir(dir string) Check {
	if strings.TrimSpace(dir) == "" {
		return Check{Name: "data_dir", Status: "fail", Message: "data dir not configured"}
	}
	st, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "data_dir", Status: "warn", Message: "missing, created on first run", Path: dir}
		}
		return Check{Name: "data_dir", Status: "fail", Message: fmt.Sprintf("stat: %v", err), Path: dir}
	}
	if !st.IsDir() {
		return Check{Name: "data_dir", Status: "fail", Message: "not a directory", Path: dir}
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return Check{Name: "data_dir", Status: "fail", Message: fmt.Sprintf("not writable: %v", err), Path: dir}
	}
	return Check{Name: "data_dir", Status: "pass", Message: "writable", Path: dir}
}

func checkWorkerBundle(path string) Check {
	if strings.TrimSpace(path) == "" {
		return Check{Name: "worker_bundle", Status: "pass", Message: "not configured (sync worker disabled)"}
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "worker_bundle", Status: "fail", Message: "file not found", Path: path}
		}
		return Check{Name: "worker_bundle", Status: "fail", Message: fmt.Sprintf("stat: %v", err), Path: path}
	}
	if st.Mode()&0o111 == 0 {
		return Check{Name: "worker_bundle", Status: "fail", Message: "not executable", Path: path}
	}
	return Check{Name: "worker_bundle", Status: "pass", Message: "installed", Path: path}
}
