// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders stored chats as downloadable transcripts.
//
// # Key Types
//
//   - Transcript: a chat with its messages, as loaded from the store
//   - Exporter: converts a Transcript to one format
//   - Options: metadata and timestamp toggles
//
// # Supported Formats
//
//   - Markdown: human-readable, with YAML frontmatter
//   - JSON: the chat and messages as the API returns them
//
// # Usage
//
//	exp, err := export.ForFormat("markdown", nil)
//	body, err := exp.Export(&export.Transcript{Chat: chat, Messages: msgs})
//	name := export.Filename(chat, exp)
package export
