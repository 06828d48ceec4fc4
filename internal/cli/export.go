// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// export.go - Downloading chat transcripts.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeranaias/rigchat/internal/util"
)

// HandleExport handles "rigchat export <chat-id> [--format md|json] [--out path]".
// With --out - the transcript goes to stdout.
func HandleExport(ctx context.Context, raw []string) error {
	args := NewArgParser(raw, clientBoolFlags...)
	opts, err := ParseOptions(args)
	if err != nil {
		return err
	}
	chatID := args.Positional(0)
	if chatID == "" {
		return errors.New("usage: rigchat export <chat-id> [--format markdown|json] [--out path]")
	}

	path, err := RunExport(ctx, NewClient(opts.ServerURL, opts.Token), chatID, args.Flag("format"), args.Flag("out"), os.Stdout)
	if err != nil {
		return err
	}
	if path != "" {
		fmt.Fprintln(os.Stderr, SuccessStyle.Render("Exported to "+path))
	}
	return nil
}

// RunExport downloads a transcript and writes it to out ("-" for stdout),
// the server's suggested name when out is empty. It returns the path
// written, or "" for stdout.
func RunExport(ctx context.Context, c *Client, chatID, format, out string, stdout io.Writer) (string, error) {
	body, name, err := c.Export(ctx, chatID, format)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if out == "-" {
		_, err := io.Copy(stdout, body)
		return "", err
	}
	if out == "" {
		out = name
	}
	if out == "" || out == "." {
		out = chatID + ".md"
	}
	if _, err := util.AtomicCopy(out, body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", out, err)
	}
	return out, nil
}
