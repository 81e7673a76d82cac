// Package main is the entry point for the promoter CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relicta-tech/promoter/internal/cli"
)

// Version information set by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownTimeout is the maximum time to wait for graceful shutdown.
const shutdownTimeout = 30 * time.Second

// exitInterrupted is the conventional exit code after SIGINT.
const exitInterrupted = 130

func main() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cli.SetVersionInfo(version, commit, date)
	code := run(context.Background(), sigChan, cli.ExecuteContext, cli.Cleanup, os.Stderr, os.Exit)
	os.Exit(code)
}

// run executes the CLI and returns its exit code. The first signal cancels
// the context; a second signal, or a shutdown that exceeds shutdownTimeout,
// forces exit.
func run(
	parent context.Context,
	sigs <-chan os.Signal,
	execute func(context.Context) error,
	cleanup func(),
	stderr io.Writer,
	forceExit func(int),
) int {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		var sig os.Signal
		select {
		case sig = <-sigs:
		case <-done:
			return
		}
		fmt.Fprintf(stderr, "\nReceived signal %v, initiating graceful shutdown...\n", sig)
		cancel()

		shutdownTimer := time.NewTimer(shutdownTimeout)
		defer shutdownTimer.Stop()

		select {
		case <-done:
		case <-shutdownTimer.C:
			fmt.Fprintf(stderr, "\nShutdown timeout (%v) exceeded, forcing exit\n", shutdownTimeout)
			forceExit(1)
		case sig = <-sigs:
			fmt.Fprintf(stderr, "\nReceived second signal %v, forcing exit\n", sig)
			forceExit(1)
		}
	}()

	err := execute(ctx)
	close(done)
	<-watcherDone
	cleanup()

	if err == nil {
		return 0
	}
	if ctx.Err() != nil {
		fmt.Fprintln(stderr, "Operation canceled")
		return exitInterrupted
	}
	// SilenceErrors is set on the root command.
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return cli.ExitCode(err)
}
