package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Interrupting a fetch cancels the loader so the partial output file
	// and the cache lock are released before exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "tonearm: interrupted")
		os.Exit(130)
	}
	fmt.Fprintf(os.Stderr, "tonearm: %v\n", err)
	os.Exit(1)
}
