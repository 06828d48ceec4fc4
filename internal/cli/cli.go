// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command dispatch and admin commands for rigchat.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/jeranaias/rigchat/internal/auth"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/secret"
)

// Version information (overridden at build time).
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is the subcommand to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdServe
	CmdAsk
	CmdChat
	CmdKey
	CmdExport
	CmdKeygen
	CmdToken
	CmdConfig
	CmdVersion
)

var commandNames = map[string]Command{
	"serve":   CmdServe,
	"ask":     CmdAsk,
	"chat":    CmdChat,
	"key":     CmdKey,
	"export":  CmdExport,
	"keygen":  CmdKeygen,
	"token":   CmdToken,
	"config":  CmdConfig,
	"version": CmdVersion,
	"help":    CmdHelp,
}

const usageText = `rigchat - streaming, search-augmented chat backend

Usage:
  rigchat serve [--config path]            Run the HTTP server
  rigchat ask [flags] <question>           Ask a single question
  rigchat chat [flags]                     Interactive chat
  rigchat key <provider> [key]             Save a provider API key
  rigchat export <chat-id> [--format f] [--out path]
                                           Download a chat transcript
  rigchat keygen                           Print a new encryption key
  rigchat token --user id [--email e] [--ttl 24h]
                                           Issue a session token
  rigchat config init [path]               Write a default config file
  rigchat version                          Show version

Client flags (ask, chat, key, export):
  --server URL     rigchat server (RIGCHAT_SERVER, default ` + DefaultServerURL + `)
  --token TOKEN    session token (RIGCHAT_TOKEN)
  --model NAME     completion model
  --chat ID        continue an existing chat
  --search         enable web search
  --cot            enable step-by-step reasoning
  --timeout DUR    give up on a reply after DUR
  --raw            plain output, no markdown or status lines
`

// Parse splits argv (without the program name) into a command and its
// arguments. Unknown commands resolve to CmdHelp.
func Parse(argv []string) (Command, []string) {
	if len(argv) == 0 {
		return CmdHelp, nil
	}
	switch argv[0] {
	case "-h", "--help":
		return CmdHelp, nil
	case "-v", "--version":
		return CmdVersion, nil
	}
	cmd, ok := commandNames[argv[0]]
	if !ok {
		return CmdHelp, argv
	}
	return cmd, argv[1:]
}

// PrintUsage writes the usage text to w.
func PrintUsage(w io.Writer) {
	io.WriteString(w, usageText)
}

// PrintVersion writes version details to w.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "rigchat %s (commit %s, built %s, %s/%s)\n",
		Version, GitCommit, BuildDate, runtime.GOOS, runtime.GOARCH)
}

// =============================================================================
// ADMIN COMMANDS
// =============================================================================

// HandleKeygen prints a fresh hex encoding key for security.encryption_key.
func HandleKeygen(w io.Writer) error {
	key, err := secret.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, key)
	return nil
}

// HandleToken issues a session token signed with the configured secret.
// Useful for local development and for the ask/chat commands.
func HandleToken(raw []string, w io.Writer) error {
	args := NewArgParser(raw)
	cfg, err := config.Load(config.ResolvePath(args.Flag("config")))
	if err != nil {
		return err
	}

	userID := args.Flag("user")
	if userID == "" {
		return errors.New("usage: rigchat token --user <id> [--email addr] [--ttl 24h]")
	}
	ttl, err := args.FlagDuration("ttl", 24*time.Hour)
	if err != nil {
		return err
	}

	a, err := auth.NewJWTAuthenticator(cfg.Security.SessionSecret, cfg.Security.SessionCookie, cfg.Security.SessionIssuer)
	if err != nil {
		return err
	}
	tok, err := a.Issue(auth.User{ID: userID, Email: args.Flag("email")}, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, tok)
	return nil
}

// HandleConfig handles "rigchat config init [path]". Existing files are
// never overwritten.
func HandleConfig(raw []string, w io.Writer) error {
	args := NewArgParser(raw)
	if args.Subcommand() != "init" {
		return errors.New("usage: rigchat config init [path]")
	}
	path := args.Positional(1)
	if path == "" {
		path = config.DefaultFileName
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	cfg := config.Default()
	key, err := secret.GenerateKey()
	if err != nil {
		return err
	}
	cfg.Security.EncryptionKey = key
	if cfg.Security.SessionSecret, err = secret.GenerateKey(); err != nil {
		return err
	}
	if err := config.SaveTOML(cfg, path); err != nil {
		return err
	}
	fmt.Fprintln(w, SuccessStyle.Render("Wrote "+path))
	return nil
}
