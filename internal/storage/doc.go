// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage keeps uploaded chat attachments on disk.
//
// Files are addressed by an opaque storage key of the form
// "<user>/<random><ext>". The key is what the record store remembers; the
// original filename is metadata only and never touches the filesystem path.
//
// # Usage
//
//	files, err := storage.NewFileStore(cfg.Storage.UploadDir, cfg.Storage.MaxUploadBytes)
//	key, n, err := files.Put(ctx, user.ID, "notes.pdf", r)
//	rc, err := files.Open(key)
//	err = files.Delete(key)
package storage
