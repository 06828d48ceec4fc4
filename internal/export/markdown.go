// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/store"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports transcripts to Markdown.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a transcript to Markdown.
func (e *MarkdownExporter) Export(t *Transcript) ([]byte, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	c := t.Chat
	var sb strings.Builder

	// YAML frontmatter with metadata
	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(c.Title))
		fmt.Fprintf(&sb, "model: %s\n", escapeYAML(c.Model))
		fmt.Fprintf(&sb, "date: %s\n", c.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&sb, "updated: %s\n", c.UpdatedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(t.Messages))
		fmt.Fprintf(&sb, "exported: %s\n", e.options.now().UTC().Format(time.RFC3339))
		sb.WriteString("generator: rigchat\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(c.Title))

	for i, msg := range t.Messages {
		label := formatRoleLabel(msg.Role)
		if e.options.IncludeTimestamps && !msg.CreatedAt.IsZero() {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, formatShortTimestamp(msg.CreatedAt))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}

		sb.WriteString(strings.TrimSpace(msg.Content))
		sb.WriteString("\n\n")

		if msg.Role == store.RoleAssistant && e.options.IncludeMetadata {
			if notes := formatMessageNotes(msg.Metadata); notes != "" {
				sb.WriteString(notes)
				sb.WriteString("\n\n")
			}
		}

		if i < len(t.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	fmt.Fprintf(&sb, "\n---\n\n*Exported from rigchat on %s*\n", formatTimestamp(e.options.now()))
	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown; charset=utf-8"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func formatRoleLabel(role string) string {
	switch role {
	case "":
		return "Unknown"
	case store.RoleUser:
		return "[User]"
	case store.RoleAssistant:
		return "[Assistant]"
	case store.RoleSystem:
		return "[System]"
	default:
		runes := []rune(role)
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}

// formatMessageNotes summarizes how an assistant reply was produced.
func formatMessageNotes(md *store.MessageMetadata) string {
	if md == nil {
		return ""
	}
	var parts []string
	if md.Model != "" {
		parts = append(parts, "Model: "+md.Model)
	}
	if md.Features.WebSearchUsed {
		parts = append(parts, "Web search")
	}
	if md.Features.ChainOfThought {
		parts = append(parts, "Step-by-step")
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("<sub>%s</sub>", strings.Join(parts, " | "))
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes special Markdown characters in plain text.
func escapeMarkdown(s string) string {
	// Only escape characters that would break formatting in titles/headings
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeYAML quotes a value containing YAML syntax.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
