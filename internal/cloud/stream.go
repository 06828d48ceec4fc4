// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// MaxChunkSize is the maximum allowed size for a single SSE line.
const MaxChunkSize = 64 * 1024

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk represents a single chunk from a streaming response.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error,omitempty"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// IsDone returns true once the provider reports a finish reason.
func (c *StreamChunk) IsDone() bool {
	if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
		return *c.Choices[0].FinishReason != ""
	}
	return false
}

// TokenStream yields content fragments in arrival order. Next returns io.EOF
// after the last fragment.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 4096)}
}

// ReadEvent reads the next SSE event and returns its type and joined data
// lines. Comment lines and other fields are skipped. Returns io.EOF when the
// stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > MaxChunkSize {
			return "", nil, fmt.Errorf("SSE line exceeds %d bytes", MaxChunkSize)
		}
		if err != nil && !(err == io.EOF && len(line) > 0) {
			if err == io.EOF {
				// If we have data, return it before EOF
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[5:]
			if len(data) > 0 && data[0] == ' ' {
				data = data[1:]
			}
			dataLines = append(dataLines, data)
		}
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamChat opens a streaming completion. The returned stream must be
// closed. The stream ends when ctx is cancelled.
func (c *OpenRouterClient) StreamChat(ctx context.Context, reqBody ChatRequest) (TokenStream, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	reqBody.Stream = true

	req, err := c.newRequest(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	c.logResponse(reqBody.Model, true, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := readResponse(resp)
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	return &ChatStream{body: resp.Body, reader: NewSSEReader(resp.Body)}, nil
}

// ChatStream reads content fragments from a streaming response.
type ChatStream struct {
	body      io.ReadCloser
	reader    *SSEReader
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// Next returns the next non-empty content fragment. It reads events until it
// has one, so a caller pulling one fragment at a time never buffers more
// than a single event.
func (s *ChatStream) Next() (string, error) {
	for !s.done {
		_, data, err := s.reader.ReadEvent()
		if err == io.EOF {
			s.done = true
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream read failed: %w", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			break
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}
		if chunk.Error != nil {
			s.done = true
			return "", &OpenRouterError{
				Code:    string(bytes.Trim(chunk.Error.Code, `"`)),
				Message: chunk.Error.Message,
				Status:  http.StatusOK,
			}
		}

		if chunk.IsDone() {
			s.done = true
		}
		if content := chunk.GetContent(); content != "" {
			return content, nil
		}
	}
	return "", io.EOF
}

// Close releases the response body.
func (s *ChatStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
