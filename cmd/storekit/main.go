// Command storekit manages the stores and migrations of a storekit
// database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(os.Stdout, os.Stderr).Run(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, "storekit:", err)
		stop()
		os.Exit(1)
	}
}
