// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across rigchat packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writes used by the blob store
//   - TruncateWidth: display-width aware truncation for chat titles
//   - NormalizeText: NFC normalization for inbound message text
package util
