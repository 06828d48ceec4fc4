// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigchat command line.
//
// It covers two audiences. Operators use keygen, token and config init to
// prepare a deployment; "serve" itself is wired in cmd/rigchat. Users talk
// to a running server with ask, chat and key, which go through [Client].
//
// # Key Types
//
//   - Command: the subcommand selected by [Parse]
//   - ArgParser: flag and positional parsing shared by every subcommand
//   - Client: HTTP client for the rigchat API
//   - FrameReader: pulls status and delta frames from a reply stream
//   - Printer: writes a reply to the terminal, as markdown or raw text
//   - ChatSession: client-side conversation state for the REPL
//
// # Usage
//
//	cmd, rest := cli.Parse(os.Args[1:])
//	switch cmd {
//	case cli.CmdAsk:
//	    return cli.HandleAsk(ctx, rest)
//	case cli.CmdChat:
//	    return cli.HandleChat(ctx, rest)
//	}
//
// Client commands read the server from --server or RIGCHAT_SERVER and the
// session token from --token or RIGCHAT_TOKEN.
package cli
