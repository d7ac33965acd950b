package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanscout/lanscout/cmd/lanscout/commands"
)

func main() {
	// Ctrl-C cancels the context; running scans stop scheduling probes and
	// still report whatever they collected.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
