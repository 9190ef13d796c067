// Package main is the entry point for the tiltrecon CLI.
//
// tiltrecon reconstructs a tomographic volume from an MRC tilt-series by
// CTF correction and filtered back-projection, spreading the detector rows
// over CPU cores or GPU devices.
//
// Commands: reconstruct, config init, version.
//
// For detailed usage information, run:
//
//	tiltrecon --help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tiltrecon/cmd/tiltrecon/commands"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
