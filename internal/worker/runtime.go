package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
)

// Runtime abstracts how the sync worker is launched and reached, so
// the lifecycle manager can be exercised without a real process.
type Runtime interface {
	// Start launches or attaches the worker. Idempotent for an
	// already-running worker.
	Start(ctx context.Context) error
	// Dial connects to the worker's message socket.
	Dial(ctx context.Context) (net.Conn, error)
	// BundleVersion is the version of the worker bundle on disk.
	BundleVersion() (string, error)
}

// ProcRuntime runs the worker bundle as a child process serving the
// message protocol on a unix socket.
type ProcRuntime struct {
	BundlePath string
	SocketPath string
}

func (r *ProcRuntime) Start(ctx context.Context) error {
	if r.BundlePath == "" {
		return fmt.Errorf("worker bundle path not configured")
	}
	if _, err := os.Stat(r.BundlePath); err != nil {
		return fmt.Errorf("stat worker bundle: %w", err)
	}
	cmd := exec.CommandContext(ctx, r.BundlePath, "--socket", r.SocketPath)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	// The worker daemonizes against its socket; the parent handle is
	// released here and liveness is observed through Dial.
	go cmd.Wait() //nolint:errcheck
	return nil
}

func (r *ProcRuntime) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", r.SocketPath)
}

// BundleVersion digests the bundle contents; a redeployed bundle
// yields a new version without any manifest bookkeeping.
func (r *ProcRuntime) BundleVersion() (string, error) {
	f, err := os.Open(r.BundlePath)
	if err != nil {
		return "", fmt.Errorf("open worker bundle: %w", err)
	}
	defer f.Close() //nolint:errcheck
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest worker bundle: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}
