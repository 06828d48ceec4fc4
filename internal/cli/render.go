// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Writing reply streams to the terminal.

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/rigchat/internal/chat"
)

// Printer writes a reply stream.
//
// With Markdown set the reply is buffered and rendered once complete, which
// suits a terminal. Without it deltas are written as they arrive, which is
// what a pipe wants.
type Printer struct {
	Out io.Writer

	// Status receives one line per status frame. Nil discards them.
	Status io.Writer

	Markdown bool
	Width    int
}

// Print drains fr and returns the reply text. On error the text received so
// far is returned with it.
func (p *Printer) Print(fr *FrameReader) (string, error) {
	var content strings.Builder
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !p.Markdown && content.Len() > 0 {
				fmt.Fprintln(p.Out)
			}
			return content.String(), err
		}

		if !f.IsDelta() {
			if p.Status != nil && f.Status != chat.StatusCompleted {
				fmt.Fprintln(p.Status, StatusStyle.Render(f.Status.Label()))
			}
			continue
		}
		content.WriteString(f.Content)
		if !p.Markdown {
			io.WriteString(p.Out, f.Content)
		}
	}

	text := content.String()
	if p.Markdown {
		io.WriteString(p.Out, renderMarkdown(text, p.Width))
	} else if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(p.Out)
	}
	return text, nil
}

// renderMarkdown renders markdown for terminal display, falling back to the
// source text if glamour fails.
func renderMarkdown(content string, width int) string {
	if width <= 0 {
		width = DefaultTerminalWidth
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content + "\n"
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content + "\n"
	}
	return rendered
}
