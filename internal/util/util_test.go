// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.txt")
	data := []byte("hello, world!")

	if err := AtomicWriteFile(path, data, 0o644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("Content mismatch: got %q, want %q", string(content), string(data))
	}
}

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user-1", "deep", "test.txt")

	if err := AtomicWriteFile(path, []byte("test data"), 0o644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("File not created: %v", err)
	}
}

func TestAtomicWriteFile_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")

	if err := AtomicWriteFile(path, []byte("initial"), 0o644); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("updated"), 0o644); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != "updated" {
		t.Errorf("Content not updated: got %q", string(content))
	}
}

func TestAtomicCopy_CountsBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upload.bin")

	n, err := AtomicCopy(path, strings.NewReader("0123456789"), 0o600)
	if err != nil {
		t.Fatalf("AtomicCopy failed: %v", err)
	}
	if n != 10 {
		t.Errorf("AtomicCopy n = %d, want 10", n)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestTruncateWidth(t *testing.T) {
	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{"fits", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"ascii cut", "hello world", 8, "hello..."},
		{"wide runes", "日本語テキスト", 7, "日本..."},
		{"tiny", "hello", 2, "he"},
		{"zero", "hello", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateWidth(tt.input, tt.width)
			if got != tt.want {
				t.Errorf("TruncateWidth(%q, %d) = %q, want %q", tt.input, tt.width, got, tt.want)
			}
			if StringWidth(got) > tt.width {
				t.Errorf("TruncateWidth(%q, %d) width = %d", tt.input, tt.width, StringWidth(got))
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	// "e" followed by a combining acute accent composes to U+00E9.
	got := NormalizeText("  cafe\u0301  ")
	if got != "caf\u00e9" {
		t.Errorf("NormalizeText = %q, want %q", got, "caf\u00e9")
	}

	if got := NormalizeText("bad\xffbyte"); got != "bad\uFFFDbyte" {
		t.Errorf("NormalizeText invalid utf8 = %q", got)
	}
}

func TestFirstLine(t *testing.T) {
	if got := FirstLine("\n\n  first line \nsecond"); got != "first line" {
		t.Errorf("FirstLine = %q, want %q", got, "first line")
	}
	if got := FirstLine("   "); got != "" {
		t.Errorf("FirstLine blank = %q", got)
	}
}
