// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/rigchat/internal/store"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter exports transcripts as JSON.
// NOTE: JSON exports always carry the complete message data, metadata
// included, so the options only affect the export stamp.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

type jsonTranscript struct {
	Chat       *store.Chat     `json:"chat"`
	Messages   []store.Message `json:"messages"`
	ExportedAt time.Time       `json:"exported_at"`
}

// Export converts a transcript to indented JSON.
func (e *JSONExporter) Export(t *Transcript) ([]byte, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	msgs := t.Messages
	if msgs == nil {
		msgs = []store.Message{}
	}
	return json.MarshalIndent(jsonTranscript{
		Chat:       t.Chat,
		Messages:   msgs,
		ExportedAt: e.options.now().UTC(),
	}, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
