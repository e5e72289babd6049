package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/croftlabs/furrow/internal/cli"
	"github.com/croftlabs/furrow/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := cli.NewRunner(config.DefaultConfig().SocketPath, os.Stdout, os.Stderr)
	os.Exit(runner.Run(ctx, os.Args[1:]))
}
