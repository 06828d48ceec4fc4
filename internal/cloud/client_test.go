// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "sk-or-v1-abcdefghijklmnopqrstuvwxyz0123456789"

func newTestClient(url string) *OpenRouterClient {
	return NewOpenRouterClient(testKey).WithBaseURL(url).WithSiteURL("https://chat.example.com")
}

// =============================================================================
// COMPLETE
// =============================================================================

func TestComplete(t *testing.T) {
	var got ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
		assert.Equal(t, "https://chat.example.com", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "rigchat", r.Header.Get("X-Title"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[{"message":{"role":"assistant","content":"true"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	out, err := newTestClient(server.URL).Complete(context.Background(), ChatRequest{
		Model:       "google/gemini-flash-1.5-8b",
		Messages:    []ChatMessage{NewUserMessage("weather in Paris?")},
		Stream:      true,
		Temperature: 0.1,
		MaxTokens:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, "true", out)
	assert.False(t, got.Stream, "Complete always sends stream=false")
	assert.Equal(t, 5, got.MaxTokens)
	assert.InDelta(t, 0.1, got.Temperature, 1e-9)
}

func TestComplete_NotConfigured(t *testing.T) {
	_, err := NewOpenRouterClient("  ").Complete(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewOpenRouterClient("").StreamChat(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestComplete_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), ChatRequest{Model: "m"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestComplete_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(server.URL).WithTimeout(50 * time.Millisecond)
	_, err := client.Complete(context.Background(), ChatRequest{Model: "m"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleErrorResponse(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"error":{"code":401,"message":"No auth credentials found"}}`, ErrAuthFailed},
		{http.StatusPaymentRequired, `{"error":{"message":"more credits"}}`, ErrInsufficientCredits},
		{http.StatusNotFound, ``, ErrModelNotFound},
		{http.StatusTooManyRequests, `slow down`, ErrRateLimited},
	}
	for _, tt := range tests {
		err := handleErrorResponse(tt.status, []byte(tt.body))
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}

	err := handleErrorResponse(http.StatusBadGateway, []byte(`{"error":{"code":"upstream","message":"provider down"}}`))
	var orErr *OpenRouterError
	require.True(t, errors.As(err, &orErr))
	assert.Equal(t, "upstream", orErr.Code)
	assert.Equal(t, http.StatusBadGateway, orErr.Status)
	assert.Contains(t, orErr.Error(), "provider down")
}

func TestKeyFingerprint(t *testing.T) {
	c := NewOpenRouterClient(testKey)
	fp := c.KeyFingerprint()
	assert.Len(t, fp, 8)
	assert.NotContains(t, testKey, fp)
	assert.Equal(t, "none", NewOpenRouterClient("").KeyFingerprint())
}

// =============================================================================
// STREAMING
// =============================================================================

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			io.WriteString(w, ev)
			flusher.Flush()
		}
	}))
}

func drain(t *testing.T, s TokenStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		frag, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
}

func TestStreamChat(t *testing.T) {
	server := sseServer(t,
		": OPENROUTER PROCESSING\n\n",
		`data: {"choices":[{"delta":{"role":"assistant","content":""}}]}`+"\n\n",
		`data: {"choices":[{"delta":{"content":"It is "}}]}`+"\n\n",
		"data: not json\n\n",
		`data: {"choices":[{"delta":{"content":"sunny"}}]}`+"\r\n\r\n",
		`data: {"choices":[{"delta":{"content":"."},"finish_reason":"stop"}]}`+"\n\n",
		"data: [DONE]\n\n",
	)
	defer server.Close()

	stream, err := newTestClient(server.URL).StreamChat(context.Background(), ChatRequest{
		Model:    "deepseek/deepseek-chat",
		Messages: []ChatMessage{NewUserMessage("weather?")},
	})
	require.NoError(t, err)
	defer stream.Close()

	frags, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"It is ", "sunny", "."}, frags)

	// Exhausted streams keep returning EOF.
	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}

func TestStreamChat_MidStreamError(t *testing.T) {
	server := sseServer(t,
		`data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n",
		`data: {"error":{"code":502,"message":"provider disconnected"}}`+"\n\n",
	)
	defer server.Close()

	stream, err := newTestClient(server.URL).StreamChat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	defer stream.Close()

	frags, err := drain(t, stream)
	assert.Equal(t, []string{"partial"}, frags)
	var orErr *OpenRouterError
	require.True(t, errors.As(err, &orErr))
	assert.Equal(t, "502", orErr.Code)
}

func TestStreamChat_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StreamChat(context.Background(), ChatRequest{Model: "m"})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestStreamChat_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := newTestClient(server.URL).StreamChat(ctx, ChatRequest{Model: "m"})
	require.NoError(t, err)
	defer stream.Close()

	frag, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", frag)

	cancel()
	_, err = stream.Next()
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestSSEReader(t *testing.T) {
	input := "event: status\ndata: line one\ndata: line two\nid: 7\n\n: comment\n\ndata:{\"a\":1}"
	r := NewSSEReader(strings.NewReader(input))

	typ, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "status", typ)
	assert.Equal(t, "line one\nline two", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	_, _, err = r.ReadEvent()
	assert.Equal(t, io.EOF, err)
}

func TestSSEReader_LineTooLong(t *testing.T) {
	r := NewSSEReader(strings.NewReader("data: " + strings.Repeat("x", MaxChunkSize+1) + "\n\n"))
	_, _, err := r.ReadEvent()
	assert.Error(t, err)
}

// =============================================================================
// KEY FORMATS
// =============================================================================

func TestValidateAPIKey(t *testing.T) {
	long := strings.Repeat("a", 40)
	tests := []struct {
		provider string
		key      string
		want     error
	}{
		{ProviderOpenAI, "sk-" + long, nil},
		{ProviderAnthropic, "sk-ant-" + long, nil},
		{ProviderOpenRouter, "sk-or-" + long, nil},
		{ProviderOpenRouter, "sk-" + long, ErrInvalidAPIKey},
		{ProviderAnthropic, "sk-ant-short", ErrInvalidAPIKey},
		{ProviderOpenAI, "pk-" + long, ErrInvalidAPIKey},
		{"mistral", "sk-" + long, ErrUnknownProvider},
	}
	for _, tt := range tests {
		err := ValidateAPIKey(tt.provider, tt.key)
		if tt.want == nil {
			assert.NoError(t, err, "%s %s", tt.provider, tt.key)
		} else {
			assert.ErrorIs(t, err, tt.want, "%s %s", tt.provider, tt.key)
		}
	}
	assert.Equal(t, []string{"anthropic", "openai", "openrouter"}, Providers())
}

func TestChatMessageHelpers(t *testing.T) {
	assert.Equal(t, ChatMessage{Role: "user", Content: "u"}, NewUserMessage("u"))
	assert.Equal(t, ChatMessage{Role: "assistant", Content: "a"}, NewAssistantMessage("a"))
	assert.Equal(t, ChatMessage{Role: "system", Content: "s"}, NewSystemMessage("s"))
}
