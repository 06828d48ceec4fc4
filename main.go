// rigchat - A streaming, search-augmented chat backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/rigchat/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse(os.Args[1:])

	var err error
	switch cmd {
	case cli.CmdServe:
		err = runServe(args)
	case cli.CmdAsk:
		err = withInterrupt(func(ctx context.Context) error { return cli.HandleAsk(ctx, args) })
	case cli.CmdChat:
		// The REPL handles Ctrl+C per reply itself.
		err = cli.HandleChat(context.Background(), args)
	case cli.CmdKey:
		err = withInterrupt(func(ctx context.Context) error { return cli.HandleKey(ctx, args) })
	case cli.CmdExport:
		err = withInterrupt(func(ctx context.Context) error { return cli.HandleExport(ctx, args) })
	case cli.CmdKeygen:
		err = cli.HandleKeygen(os.Stdout)
	case cli.CmdToken:
		err = cli.HandleToken(args, os.Stdout)
	case cli.CmdConfig:
		err = cli.HandleConfig(args, os.Stdout)
	case cli.CmdVersion:
		cli.PrintVersion(os.Stdout)
	default:
		cli.PrintUsage(os.Stdout)
		if len(args) > 0 {
			fmt.Fprintf(os.Stderr, "\nUnknown command: %s\n", args[0])
			os.Exit(2)
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", cli.ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

// withInterrupt runs fn with a context cancelled on SIGINT or SIGTERM.
func withInterrupt(fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}
