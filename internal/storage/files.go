// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrFileNotFound is returned when no file exists for a key.
	ErrFileNotFound = errors.New("file not found")

	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("file exceeds upload limit")

	// ErrInvalidKey is returned for keys that could escape the base directory.
	ErrInvalidKey = errors.New("invalid storage key")
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore writes attachments under a base directory.
type FileStore struct {
	// BaseDir is the root upload directory.
	BaseDir string

	// MaxBytes limits a single upload (0 = unlimited).
	MaxBytes int64
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string, maxBytes int64) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &FileStore{BaseDir: baseDir, MaxBytes: maxBytes}, nil
}

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// Put stores r for userID and returns the storage key and the byte count.
// The write is atomic: a failed or oversized upload leaves nothing behind.
func (s *FileStore) Put(ctx context.Context, userID, filename string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	owner := sanitizeSegment(userID)
	if owner == "" {
		return "", 0, ErrInvalidKey
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	key := owner + "/" + uuid.NewString() + ext

	path, err := s.path(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", 0, fmt.Errorf("failed to create user directory: %w", err)
	}

	src := r
	var limited *io.LimitedReader
	if s.MaxBytes > 0 {
		limited = &io.LimitedReader{R: r, N: s.MaxBytes + 1}
		src = limited
	}
	n, err := util.AtomicCopy(path, contextReader{ctx: ctx, r: src}, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to store file: %w", err)
	}
	if limited != nil && n > s.MaxBytes {
		os.Remove(path)
		return "", 0, ErrTooLarge
	}
	return key, n, nil
}

// Open returns a reader for the file stored under key.
func (s *FileStore) Open(key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return f, nil
}

// Delete removes the file stored under key.
func (s *FileStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrFileNotFound
		}
		return err
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// path maps a key to a filesystem path inside BaseDir.
func (s *FileStore) path(key string) (string, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 {
		return "", ErrInvalidKey
	}
	for _, p := range parts {
		if p == "" || p != sanitizeSegment(p) {
			return "", ErrInvalidKey
		}
	}
	return filepath.Join(s.BaseDir, parts[0], parts[1]), nil
}

// sanitizeSegment keeps characters that are safe in a single path element.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}

// contextReader stops a long copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
