// Package main provides the opacheck acceptance probe CLI
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/opsverify/opacheck/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
