package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp()
	err := newRootCmd(app).ExecuteContext(ctx)

	// Kill all tracked subprocesses still running after a signal
	if killErr := app.procs.KillAll(); killErr != nil {
		fmt.Fprintf(os.Stderr, "Error killing subprocesses: %v\n", killErr)
	}
	if shutdownErr := app.close(); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", shutdownErr)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
