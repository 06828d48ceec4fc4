// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/store"
)

// ErrUnsupportedFormat is returned by ForFormat for an unknown format name.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Transcript is a chat and its messages in order.
type Transcript struct {
	Chat     *store.Chat     `json:"chat"`
	Messages []store.Message `json:"messages"`
}

// Exporter defines the interface for transcript exporters.
type Exporter interface {
	// Export converts a transcript to the target format and returns the content.
	Export(t *Transcript) ([]byte, error)

	// FileExtension returns the appropriate file extension (e.g., ".md").
	FileExtension() string

	// MimeType returns the Content-Type for the exported format.
	MimeType() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// IncludeMetadata includes the frontmatter and per-message model notes.
	IncludeMetadata bool

	// IncludeTimestamps includes per-message timestamps.
	IncludeTimestamps bool

	// Now stamps the export. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		Now:               time.Now,
	}
}

func (o *Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// ForFormat returns the exporter for a format name ("markdown", "md" or
// "json"). A nil opts uses DefaultOptions.
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "markdown", "md":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func validate(t *Transcript) error {
	if t == nil || t.Chat == nil {
		return errors.New("transcript has no chat")
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Filename suggests a download name for a chat exported with e.
func Filename(c *store.Chat, e Exporter) string {
	title := "chat"
	if c != nil && c.Title != "" {
		title = c.Title
	}
	return "chat_" + sanitizeFilename(title) + e.FileExtension()
}

// sanitizeFilename removes or replaces characters that are invalid in filenames
// or unsafe in a Content-Disposition header.
func sanitizeFilename(s string) string {
	const maxLen = 50
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	result := make([]rune, 0, len(runes))
	for _, r := range runes {
		switch {
		case strings.ContainsRune(`/\:*?"<>|;`, r):
			result = append(result, '-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			result = append(result, '_')
		case r < 32 || r == 127:
			result = append(result, '-')
		default:
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "chat"
	}
	return string(result)
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// formatShortTimestamp formats a timestamp for inline display.
func formatShortTimestamp(t time.Time) string {
	return t.UTC().Format("15:04:05")
}
