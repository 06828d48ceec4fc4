// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader provides input history and line editing for the REPL.
type lineReader struct {
	line        *liner.State
	historyFile string
}

func newLineReader() *lineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &lineReader{
		line:        line,
		historyFile: filepath.Join(dir, "rigchat", "chat_history"),
	}
	if f, err := os.Open(r.historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *lineReader) Prompt(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *lineReader) Close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ChatSession is the client-side state of an interactive chat.
type ChatSession struct {
	Client   *Client
	Options  Options
	Messages []cloud.ChatMessage
}

// Reset starts a new chat on the next turn.
func (s *ChatSession) Reset() {
	s.Options.ChatID = ""
	s.Messages = nil
}

// Turn sends input with the conversation so far and prints the reply. The
// conversation only grows when the reply completes.
func (s *ChatSession) Turn(ctx context.Context, input string, out, status io.Writer) error {
	ctx, cancel := contextWithTimeout(ctx, s.Options.Timeout)
	defer cancel()

	msgs := append(append([]cloud.ChatMessage{}, s.Messages...), cloud.NewUserMessage(input))
	fr, err := s.Client.Ask(ctx, AskRequest{
		ChatID:         s.Options.ChatID,
		Messages:       msgs,
		Model:          s.Options.Model,
		WebSearch:      s.Options.WebSearch,
		ChainOfThought: s.Options.ChainOfThought,
	})
	if err != nil {
		return err
	}
	defer fr.Close()

	p := &Printer{Out: out, Markdown: !s.Options.Raw, Width: GetTerminalWidth()}
	if !s.Options.Raw {
		p.Status = status
	}
	reply, err := p.Print(fr)
	if fr.ChatID != "" {
		s.Options.ChatID = fr.ChatID
	}
	if err != nil {
		return err
	}
	s.Messages = append(msgs, cloud.NewAssistantMessage(reply))
	return nil
}

// =============================================================================
// REPL
// =============================================================================

const chatHelp = `Commands:
  /new               start a new chat
  /search [on|off]   toggle web search
  /cot [on|off]      toggle step-by-step reasoning
  /model <name>      switch model
  /chats             list recent chats
  /help              show this help
  /quit              exit`

// HandleChat handles "rigchat chat [flags]".
func HandleChat(ctx context.Context, raw []string) error {
	args := NewArgParser(raw, clientBoolFlags...)
	opts, err := ParseOptions(args)
	if err != nil {
		return err
	}
	if !IsTTY() {
		return errors.New("chat needs an interactive terminal; use ask for piped input")
	}

	session := &ChatSession{Client: NewClient(opts.ServerURL, opts.Token), Options: opts}
	input := newLineReader()
	defer input.Close()

	fmt.Println(TitleStyle.Render("rigchat") + DimStyle.Render("  /help for commands, Ctrl+D to exit"))

	for {
		line, err := input.Prompt("rigchat> ")
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or a closed terminal.
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := session.command(ctx, line, os.Stdout)
			if err != nil {
				fmt.Fprintln(os.Stderr, ErrorStyle.Render("[Error]"), err)
			}
			if quit {
				return nil
			}
			continue
		}

		// Ctrl+C while streaming cancels the reply, not the REPL.
		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err = session.Turn(turnCtx, line, os.Stdout, os.Stderr)
		cancelled := turnCtx.Err() != nil && ctx.Err() == nil
		stop()
		switch {
		case cancelled:
			fmt.Fprintln(os.Stderr, WarningStyle.Render("[Cancelled]"))
		case err != nil:
			fmt.Fprintln(os.Stderr, ErrorStyle.Render("[Error]"), err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// command runs a slash command and reports whether the REPL should exit.
func (s *ChatSession) command(ctx context.Context, line string, out io.Writer) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		fmt.Fprintln(out, chatHelp)
	case "new":
		s.Reset()
		fmt.Fprintln(out, DimStyle.Render("started a new chat"))
	case "search":
		on, err := toggle(s.Options.WebSearch, arg)
		if err != nil {
			return false, err
		}
		s.Options.WebSearch = on
		fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("web search %s", onOff(on))))
	case "cot":
		on, err := toggle(s.Options.ChainOfThought, arg)
		if err != nil {
			return false, err
		}
		s.Options.ChainOfThought = on
		fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("reasoning %s", onOff(on))))
	case "model":
		if arg == "" {
			return false, errors.New("usage: /model <name>")
		}
		s.Options.Model = arg
		fmt.Fprintln(out, DimStyle.Render("model "+arg))
	case "chats":
		chats, err := s.Client.Chats(ctx, 10)
		if err != nil {
			return false, err
		}
		for _, c := range chats {
			fmt.Fprintf(out, "%s  %s\n", DimStyle.Render(c.ID), util.TruncateWidth(c.Title, GetTerminalWidth()-40))
		}
	default:
		return false, fmt.Errorf("unknown command /%s", name)
	}
	return false, nil
}

func toggle(current bool, arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "":
		return !current, nil
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return current, fmt.Errorf("expected on or off, got %q", arg)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
