// Command orderbridge consumes order commands from a queue, executes them
// against the broker bridge and keeps the position ledger in step. It also
// exposes operator commands for the kill switch and the ledger archive.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
