// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot questions and provider key management.

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/jeranaias/rigchat/internal/cloud"
)

// Options are the client flags shared by ask, chat and key.
type Options struct {
	ServerURL      string
	Token          string
	Model          string
	ChatID         string
	WebSearch      bool
	ChainOfThought bool

	// Timeout bounds one reply (0 = none).
	Timeout time.Duration

	// Raw disables markdown rendering and status lines.
	Raw bool
}

// clientBoolFlags never take a value.
var clientBoolFlags = []string{"search", "cot", "raw", "help", "h"}

// ParseOptions reads client flags, falling back to RIGCHAT_SERVER and
// RIGCHAT_TOKEN.
func ParseOptions(args *ArgParser) (Options, error) {
	timeout, err := args.FlagDuration("timeout", 0)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		ServerURL:      args.FlagOrDefault("server", os.Getenv("RIGCHAT_SERVER")),
		Token:          args.FlagOrDefault("token", os.Getenv("RIGCHAT_TOKEN")),
		Model:          args.Flag("model"),
		ChatID:         args.Flag("chat"),
		WebSearch:      args.BoolFlag("search"),
		ChainOfThought: args.BoolFlag("cot"),
		Timeout:        timeout,
		Raw:            args.BoolFlag("raw") || !IsStdoutTTY(),
	}
	if opts.Token == "" {
		return opts, errors.New("a session token is required (--token or RIGCHAT_TOKEN)")
	}
	return opts, nil
}

// =============================================================================
// ASK
// =============================================================================

// HandleAsk handles "rigchat ask [flags] <question...>". With no question,
// or "-", the question is read from stdin.
func HandleAsk(ctx context.Context, raw []string) error {
	args := NewArgParser(raw, clientBoolFlags...)
	opts, err := ParseOptions(args)
	if err != nil {
		return err
	}

	question := JoinPositionalArgs(args, 0)
	if question == "" || question == "-" {
		if IsTTY() {
			return errors.New("usage: rigchat ask [flags] <question>")
		}
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read question: %w", err)
		}
		question = string(b)
	}

	return RunAsk(ctx, NewClient(opts.ServerURL, opts.Token), opts, question, os.Stdout, os.Stderr)
}

// RunAsk sends one question and prints the reply to out. Status lines and
// the chat id go to errOut.
func RunAsk(ctx context.Context, c *Client, opts Options, question string, out, errOut io.Writer) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return errors.New("question is empty")
	}

	ctx, cancel := contextWithTimeout(ctx, opts.Timeout)
	defer cancel()

	fr, err := c.Ask(ctx, AskRequest{
		ChatID:         opts.ChatID,
		Messages:       []cloud.ChatMessage{cloud.NewUserMessage(question)},
		Model:          opts.Model,
		WebSearch:      opts.WebSearch,
		ChainOfThought: opts.ChainOfThought,
	})
	if err != nil {
		return err
	}
	defer fr.Close()

	p := &Printer{Out: out, Markdown: !opts.Raw, Width: GetTerminalWidth()}
	if !opts.Raw {
		p.Status = errOut
	}
	if _, err := p.Print(fr); err != nil {
		return err
	}
	if fr.ChatID != "" && opts.ChatID == "" {
		fmt.Fprintln(errOut, DimStyle.Render("chat: "+fr.ChatID))
	}
	return nil
}

// =============================================================================
// KEY
// =============================================================================

// HandleKey handles "rigchat key <provider> [key]". When the key is omitted
// it is read from the terminal without echo, or from stdin when piped.
func HandleKey(ctx context.Context, raw []string) error {
	args := NewArgParser(raw, clientBoolFlags...)
	opts, err := ParseOptions(args)
	if err != nil {
		return err
	}

	provider := args.Positional(0)
	if provider == "" {
		return fmt.Errorf("usage: rigchat key <%s> [key]", strings.Join(cloud.Providers(), "|"))
	}
	key := args.Positional(1)
	if key == "" {
		if key, err = readSecret(fmt.Sprintf("%s API key: ", provider)); err != nil {
			return err
		}
	}
	if err := cloud.ValidateAPIKey(provider, key); err != nil {
		return err
	}

	if err := NewClient(opts.ServerURL, opts.Token).SaveKey(ctx, provider, key); err != nil {
		return err
	}
	fmt.Println(SuccessStyle.Render("Saved " + provider + " key"))
	return nil
}

func readSecret(prompt string) (string, error) {
	if IsTTY() {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
