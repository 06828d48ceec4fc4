// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// client.go - HTTP client for a rigchat server.

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigchat/internal/auth"
	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/store"
)

// DefaultServerURL is used when neither --server nor RIGCHAT_SERVER is set.
const DefaultServerURL = "http://localhost:8080"

// ErrIncompleteStream is returned when a reply stream ends without the
// completed frame. The server drops the connection when generation fails.
var ErrIncompleteStream = errors.New("reply stream ended before completion")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the rigchat HTTP API with a session token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client. Streams are unbounded, so the HTTP client has
// no overall timeout; cancel the context instead.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// AskRequest is one turn sent to the server.
type AskRequest struct {
	// ChatID is empty to start a new chat.
	ChatID         string
	Messages       []cloud.ChatMessage
	Model          string
	WebSearch      bool
	ChainOfThought bool
	FileIDs        []string
}

// Ask posts req and returns the reply stream. The caller must Close it.
func (c *Client) Ask(ctx context.Context, req AskRequest) (*FrameReader, error) {
	msgs, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to encode messages: %w", err)
	}
	form := url.Values{
		"messages":         {string(msgs)},
		"model":            {req.Model},
		"webSearchEnabled": {fmt.Sprint(req.WebSearch)},
		"cotEnabled":       {fmt.Sprint(req.ChainOfThought)},
	}
	if len(req.FileIDs) > 0 {
		ids, err := json.Marshal(req.FileIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode file ids: %w", err)
		}
		form.Set("fileIds", string(ids))
	}

	path := "/api/v1/chat"
	if req.ChatID != "" {
		path += "/" + url.PathEscape(req.ChatID)
	}
	resp, err := c.do(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, err
	}
	return NewFrameReader(resp.Body, resp.Header.Get("X-Chat-Id")), nil
}

// SaveKey stores a provider key on the server.
func (c *Client) SaveKey(ctx context.Context, provider, key string) error {
	body, err := json.Marshal(map[string]string{"type": provider, "key": key})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/keys", bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Chats lists the caller's chats, newest first.
func (c *Client) Chats(ctx context.Context, limit int) ([]store.Chat, error) {
	path := "/api/v1/chats"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Chats []store.Chat `json:"chats"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// Export downloads a chat transcript. It returns the body and the file name
// the server suggests. The caller must close the body.
func (c *Client) Export(ctx context.Context, chatID, format string) (io.ReadCloser, string, error) {
	path := "/api/v1/chat/" + url.PathEscape(chatID) + "/export"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, "", err
	}
	var name string
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = filepath.Base(params["filename"])
	}
	return resp.Body, name, nil
}

// Account returns the user the token belongs to.
func (c *Client) Account(ctx context.Context) (*auth.User, error) {
	var out struct {
		User *auth.User `json:"user"`
	}
	if err := c.getJSON(ctx, "/api/v1/account", &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do sends a request and turns non-2xx responses into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &envelope) == nil {
		apiErr.Message = envelope.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}

// =============================================================================
// FRAME READER
// =============================================================================

// FrameReader pulls frames from a reply stream one at a time.
type FrameReader struct {
	// ChatID is taken from the X-Chat-Id header and updated by a
	// chat_created frame.
	ChatID string

	body      io.ReadCloser
	sse       *cloud.SSEReader
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewFrameReader reads frames from body.
func NewFrameReader(body io.ReadCloser, chatID string) *FrameReader {
	return &FrameReader{ChatID: chatID, body: body, sse: cloud.NewSSEReader(body)}
}

// Next returns the next frame. It returns io.EOF after the completed frame
// and ErrIncompleteStream if the stream stops before it.
func (r *FrameReader) Next() (chat.Frame, error) {
	if r.done {
		return chat.Frame{}, io.EOF
	}
	for {
		_, data, err := r.sse.ReadEvent()
		if err != nil {
			r.done = true
			if err == io.EOF {
				return chat.Frame{}, ErrIncompleteStream
			}
			return chat.Frame{}, fmt.Errorf("%w: %w", ErrIncompleteStream, err)
		}

		var f chat.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Status {
		case chat.StatusChatCreated:
			r.ChatID = f.ChatID
		case chat.StatusCompleted:
			r.done = true
		}
		return f, nil
	}
}

// Close releases the connection. Closing early cancels the generation on
// the server.
func (r *FrameReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}

// =============================================================================
// HELPERS
// =============================================================================

// contextWithTimeout bounds ctx when d is positive.
func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
