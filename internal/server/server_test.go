// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigchat/internal/auth"
	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/ratelimit"
	"github.com/jeranaias/rigchat/internal/secret"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/store"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef-session"
	testKey    = "sk-or-v1-0123456789abcdef0123456789abcdef0123"
)

// =============================================================================
// HARNESS
// =============================================================================

// fakeOpenRouter answers chat completions. Streaming requests get the
// configured chunks; others get a single message.
type fakeOpenRouter struct {
	mu       sync.Mutex
	chunks   []string
	keysSeen []string
}

func (f *fakeOpenRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req cloud.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.keysSeen = append(f.keysSeen, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	chunks := f.chunks
	f.mu.Unlock()

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"false"}}]}`)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		io.WriteString(w, c)
		w.(http.Flusher).Flush()
	}
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	store    *store.Store
	files    *storage.FileStore
	authn    *auth.JWTAuthenticator
	provider *fakeOpenRouter
	metrics  *metrics.Metrics
	gateway  *chat.Gateway
}

func deltaChunk(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]string{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func newHarness(t *testing.T, rules map[string]ratelimit.Rule) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "rigchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	files, err := storage.NewFileStore(filepath.Join(dir, "uploads"), 1<<20)
	require.NoError(t, err)

	hexKey, err := secret.GenerateKey()
	require.NoError(t, err)
	codec, err := secret.NewCodec(hexKey)
	require.NoError(t, err)

	authn, err := auth.NewJWTAuthenticator(testSecret, "rigchat_session", "")
	require.NoError(t, err)

	provider := &fakeOpenRouter{
		chunks: []string{deltaChunk("Hello"), deltaChunk(" world"), "data: [DONE]\n\n"},
	}
	upstream := httptest.NewServer(provider)
	t.Cleanup(upstream.Close)

	m := metrics.New()
	logger := zerolog.Nop()

	memStore := ratelimit.NewMemoryStore(time.Minute)
	t.Cleanup(func() { memStore.Close() })
	if rules == nil {
		rules = map[string]ratelimit.Rule{}
		for name, rc := range config.DefaultRules() {
			rules[name] = ratelimit.Rule{Tokens: rc.Tokens, Window: rc.Window}
		}
	}
	limiter := ratelimit.New(memStore, rules, ratelimit.WithDenyHook(m.RecordRateLimited))

	streamer := chat.NewStreamer(st, nil, chat.StreamerOptions{Metrics: m, Logger: logger})
	gateway := chat.NewGateway(st, codec, func(apiKey string) chat.Provider {
		return cloud.NewOpenRouterClient(apiKey).WithBaseURL(upstream.URL)
	}, streamer, chat.GatewayOptions{Logger: logger})

	cfg := config.Default().Server
	cfg.CORSOrigins = []string{"http://localhost:3000"}
	s := New(cfg, Deps{
		Store:   st,
		Files:   files,
		Codec:   codec,
		Gateway: gateway,
		Auth:    authn,
		Limiter: limiter,
		Metrics: m,
		Logger:  logger,
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &harness{t: t, srv: ts, store: st, files: files, authn: authn, provider: provider, metrics: m, gateway: gateway}
}

func (h *harness) token(userID string) string {
	h.t.Helper()
	tok, err := h.authn.Issue(auth.User{ID: userID, Email: userID + "@example.com"}, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, user string, body io.Reader, contentType string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	require.NoError(h.t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(user))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) doJSON(method, path, user string, v any) *http.Response {
	h.t.Helper()
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		require.NoError(h.t, err)
		body = bytes.NewReader(b)
	}
	return h.do(method, path, user, body, "application/json")
}

func (h *harness) saveKey(user string) {
	h.t.Helper()
	resp := h.doJSON(http.MethodPost, "/api/keys", user, map[string]string{"type": "openrouter", "key": testKey})
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

func chatForm(messages string, extra url.Values) (io.Reader, string) {
	form := url.Values{"messages": {messages}}
	for k, v := range extra {
		form[k] = v
	}
	return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded"
}

func (h *harness) postChat(path, user, messages string, extra url.Values) *http.Response {
	h.t.Helper()
	body, ct := chatForm(messages, extra)
	return h.do(http.MethodPost, path, user, body, ct)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decode[errorResponse](t, resp).Error
}

// readFrames parses an SSE body into frames.
func readFrames(t *testing.T, r io.Reader) []chat.Frame {
	t.Helper()
	var frames []chat.Frame
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f chat.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	require.NoError(t, sc.Err())
	return frames
}

const helloMessages = `[{"role":"user","content":"Say hello"}]`

// =============================================================================
// HEALTH, METRICS, MIDDLEWARE
// =============================================================================

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHarness(t, nil)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-123", resp.Header.Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	h.do(http.MethodGet, "/health", "", nil, "")
	resp := h.do(http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rigchat_http_requests_total{method="GET",route="GET /health"`)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, nil)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), ChatIDHeader)
}

func TestCORS_UnknownOriginGetsNoHeaders(t *testing.T) {
	cfg := DefaultCORSConfig([]string{"https://app.example.com", "*.rigchat.dev"})
	handler := CORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for origin, allowed := range map[string]bool{
		"https://app.example.com":  true,
		"https://beta.rigchat.dev": true,
		"https://evil.example.com": false,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if allowed {
			assert.Equal(t, origin, rec.Header().Get("Access-Control-Allow-Origin"), origin)
		} else {
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), origin)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestRecoveryMiddleware_ReraisesAbort(t *testing.T) {
	handler := RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	handler := Chain(mw("first"), mw("second"), mw("third"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second", "third", "handler"}, order)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestProtectedRoutesRequireSession(t *testing.T) {
	h := newHarness(t, nil)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/chat"},
		{http.MethodPost, "/api/v1/chat/abc"},
		{http.MethodGet, "/api/v1/chat/abc"},
		{http.MethodDelete, "/api/v1/chat/abc"},
		{http.MethodGet, "/api/v1/chats"},
		{http.MethodPost, "/api/v1/chat/abc/files"},
		{http.MethodPost, "/api/keys"},
		{http.MethodGet, "/api/keys"},
		{http.MethodDelete, "/api/keys"},
		{http.MethodGet, "/api/v1/account"},
	}
	for _, rt := range routes {
		resp := h.do(rt.method, rt.path, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", rt.method, rt.path)
		assert.Equal(t, "Unauthorized", errorOf(t, resp))
	}
}

func TestSessionCookieIsAccepted(t *testing.T) {
	h := newHarness(t, nil)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/account", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "rigchat_session", Value: h.token("alice")})
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]auth.User](t, resp)
	assert.Equal(t, auth.User{ID: "alice", Email: "alice@example.com"}, body["user"])
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

func TestChat_NewConversationStreams(t *testing.T) {
	h := newHarness(t, nil)
	h.saveKey("alice")

	resp := h.postChat("/api/v1/chat", "alice", helloMessages, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	chatID := resp.Header.Get(ChatIDHeader)
	require.NotEmpty(t, chatID)

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 5)
	assert.Equal(t, chat.Frame{Status: chat.StatusChatCreated, ChatID: chatID}, frames[0])
	assert.Equal(t, chat.StatusGenerating, frames[1].Status)
	assert.Equal(t, "Hello", frames[2].Content)
	assert.Equal(t, " world", frames[3].Content)
	assert.Equal(t, chat.StatusCompleted, frames[4].Status)

	assert.Equal(t, []string{testKey}, h.provider.keysSeen)

	got := h.do(http.MethodGet, "/api/v1/chat/"+chatID, "alice", nil, "")
	require.Equal(t, http.StatusOK, got.StatusCode)
	body := decode[chatResponse](t, got)
	assert.Equal(t, "Say hello", body.Chat.Title)
	assert.Equal(t, chat.DefaultModel, body.Chat.Model)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, store.RoleUser, body.Messages[0].Role)
	assert.Equal(t, "Say hello", body.Messages[0].Content)
	assert.Equal(t, store.RoleAssistant, body.Messages[1].Role)
	assert.Equal(t, "Hello world", body.Messages[1].Content)
}

func TestChat_ContinueConversationMultipart(t *testing.T) {
	h := newHarness(t, nil)
	h.saveKey("alice")

	c := &store.Chat{UserID: "alice", Title: "Existing", Model: chat.DefaultModel}
	require.NoError(t, h.store.CreateChat(t.Context(), c))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("messages", `[{"role":"user","content":"Cafe\u0301?"}]`))
	require.NoError(t, mw.WriteField("model", "openai/gpt-4o"))
	require.NoError(t, mw.WriteField("webSearchEnabled", "false"))
	require.NoError(t, mw.Close())

	resp := h.do(http.MethodPost, "/api/v1/chat/"+c.ID, "alice", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, c.ID, resp.Header.Get(ChatIDHeader))

	frames := readFrames(t, resp.Body)
	require.NotEmpty(t, frames)
	assert.Equal(t, chat.StatusGenerating, frames[0].Status, "existing chats are not announced")

	msgs, err := h.store.ListMessages(t.Context(), "alice", c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Caf\u00e9?", msgs[0].Content, "input is NFC normalized")

	updated, err := h.store.GetChat(t.Context(), "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", updated.Model)
}

func TestChat_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	h.saveKey("alice")

	bobChat := &store.Chat{UserID: "bob", Title: "Bob's", Model: chat.DefaultModel}
	require.NoError(t, h.store.CreateChat(t.Context(), bobChat))

	tests := []struct {
		name     string
		path     string
		user     string
		messages string
		extra    url.Values
		status   int
		errMsg   string
	}{
		{"no messages", "/api/v1/chat", "alice", "", nil, http.StatusBadRequest, "Messages are required"},
		{"messages not json", "/api/v1/chat", "alice", "hello", nil, http.StatusBadRequest, "Messages must be a JSON array"},
		{"empty array", "/api/v1/chat", "alice", "[]", nil, http.StatusBadRequest, ""},
		{"bad file ids", "/api/v1/chat/" + bobChat.ID, "alice", helloMessages, url.Values{"fileIds": {"x"}}, http.StatusBadRequest, "fileIds must be a JSON array of strings"},
		{"chat owned by someone else", "/api/v1/chat/" + bobChat.ID, "alice", helloMessages, nil, http.StatusNotFound, "Not found"},
		{"no provider key", "/api/v1/chat", "carol", helloMessages, nil, http.StatusUnauthorized, "API key not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.postChat(tt.path, tt.user, tt.messages, tt.extra)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			msg := errorOf(t, resp)
			if tt.errMsg != "" {
				assert.Equal(t, tt.errMsg, msg)
			} else {
				assert.NotEmpty(t, msg)
			}
		})
	}

	chats, err := h.store.ListChats(t.Context(), "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, chats, "rejected requests create nothing")
	chats, err = h.store.ListChats(t.Context(), "carol", 0)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestChat_RequiresFormBody(t *testing.T) {
	h := newHarness(t, nil)
	h.saveKey("alice")

	resp := h.do(http.MethodPost, "/api/v1/chat", "alice", strings.NewReader(helloMessages), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Expected a form body", errorOf(t, resp))
}

func TestChat_UpstreamFailureMidStreamAbortsConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.saveKey("alice")
	h.provider.chunks = []string{
		deltaChunk("partial"),
		`data: {"error":{"code":502,"message":"provider disconnected"}}` + "\n\n",
	}

	resp := h.postChat("/api/v1/chat", "alice", helloMessages, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chatID := resp.Header.Get(ChatIDHeader)

	body, err := io.ReadAll(resp.Body)
	require.Error(t, err, "the connection is dropped instead of completing")
	assert.Contains(t, string(body), `"partial"`)
	assert.NotContains(t, string(body), `"completed"`)

	msgs, err := h.store.ListMessages(t.Context(), "alice", chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the partial reply is not persisted")
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

// =============================================================================
// CHAT RECORDS
// =============================================================================

func TestChats_ListGetDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	first := &store.Chat{UserID: "alice", Title: "first", Model: chat.DefaultModel}
	require.NoError(t, h.store.CreateChat(ctx, first))
	second := &store.Chat{UserID: "alice", Title: "second", Model: chat.DefaultModel}
	require.NoError(t, h.store.CreateChat(ctx, second))
	require.NoError(t, h.store.CreateChat(ctx, &store.Chat{UserID: "bob", Title: "bob", Model: chat.DefaultModel}))

	resp := h.do(http.MethodGet, "/api/v1/chats", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]store.Chat](t, resp)
	require.Len(t, list["chats"], 2)

	resp = h.do(http.MethodGet, "/api/v1/chats?limit=zero", "alice", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(http.MethodGet, "/api/v1/chat/"+first.ID, "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[chatResponse](t, resp)
	assert.Equal(t, first.ID, got.Chat.ID)
	assert.NotNil(t, got.Messages)
	assert.Empty(t, got.Messages)

	resp = h.do(http.MethodGet, "/api/v1/chat/"+first.ID, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/api/v1/chat/"+first.ID, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/api/v1/chat/"+first.ID, "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodGet, "/api/v1/chat/"+first.ID, "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	// A chat with a reply in flight looks missing to other users.
	h.saveKey("alice")
	sess, err := h.gateway.Start(ctx, &auth.User{ID: "alice"}, chat.Request{
		ChatID:   second.ID,
		Messages: []cloud.ChatMessage{cloud.NewUserMessage("still thinking?")},
	})
	require.NoError(t, err)
	defer sess.Close()

	resp = h.do(http.MethodDelete, "/api/v1/chat/"+second.ID, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(http.MethodDelete, "/api/v1/chat/does-not-exist", "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/api/v1/chat/"+second.ID, "alice", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExportChat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	c := &store.Chat{UserID: "alice", Title: "Trip plans", Model: chat.DefaultModel}
	require.NoError(t, h.store.CreateChat(ctx, c))
	require.NoError(t, h.store.AppendMessage(ctx, "alice", &store.Message{
		ChatID: c.ID, Role: store.RoleUser, Content: "Where should we go?",
	}))

	resp := h.do(http.MethodGet, "/api/v1/chat/"+c.ID+"/export", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "chat_Trip_plans.md")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# Trip plans")
	assert.Contains(t, string(body), "Where should we go?")

	resp = h.do(http.MethodGet, "/api/v1/chat/"+c.ID+"/export?format=json", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[chatResponse](t, resp)
	assert.Equal(t, c.ID, got.Chat.ID)
	require.Len(t, got.Messages, 1)

	resp = h.do(http.MethodGet, "/api/v1/chat/"+c.ID+"/export?format=pdf", "alice", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Unsupported export format", errorOf(t, resp))

	resp = h.do(http.MethodGet, "/api/v1/chat/"+c.ID+"/export", "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload_StoresAndDeleteRemovesBlob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	c := &store.Chat{UserID: "alice", Title: "files", Model: chat.DefaultModel}
	require.NoError(t, h.store.CreateChat(ctx, c))

	upload := func(user, chatID string) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "notes.txt")
		require.NoError(t, err)
		io.WriteString(fw, "remember the milk")
		require.NoError(t, mw.Close())
		return h.do(http.MethodPost, "/api/v1/chat/"+chatID+"/files", user, &buf, mw.FormDataContentType())
	}

	resp := upload("bob", c.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = upload("alice", c.ID)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	att := decode[store.Attachment](t, resp)
	assert.NotEmpty(t, att.ID)
	assert.Equal(t, "notes.txt", att.Filename)
	assert.Equal(t, int64(len("remember the milk")), att.Size)

	stored, err := h.store.GetAttachments(ctx, "alice", c.ID, []string{att.ID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	key := stored[0].StorageKey

	rc, err := h.files.Open(key)
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(content))

	resp = h.do(http.MethodDelete, "/api/v1/chat/"+c.ID, "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = h.files.Open(key)
	assert.True(t, errors.Is(err, storage.ErrFileNotFound))
}

func TestUpload_MissingFile(t *testing.T) {
	h := newHarness(t, nil)
	c := &store.Chat{UserID: "alice", Title: "files", Model: chat.DefaultModel}
	require.NoError(t, h.store.CreateChat(t.Context(), c))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	resp := h.do(http.MethodPost, "/api/v1/chat/"+c.ID+"/files", "alice", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "A file is required", errorOf(t, resp))
}

// =============================================================================
// PROVIDER KEYS
// =============================================================================

func TestKeys_Lifecycle(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.doJSON(http.MethodGet, "/api/keys", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]map[string]bool{"keys": {}}, decode[map[string]map[string]bool](t, resp))

	h.saveKey("alice")

	resp = h.doJSON(http.MethodGet, "/api/keys", "alice", nil)
	assert.Equal(t, map[string]map[string]bool{"keys": {"openrouter": true}}, decode[map[string]map[string]bool](t, resp))

	rec, err := h.store.GetAPIKey(t.Context(), "alice", cloud.ProviderOpenRouter)
	require.NoError(t, err)
	assert.NotContains(t, rec.Encrypted, testKey, "keys are stored encrypted")

	resp = h.doJSON(http.MethodGet, "/api/keys", "bob", nil)
	assert.Equal(t, map[string]map[string]bool{"keys": {}}, decode[map[string]map[string]bool](t, resp))

	resp = h.do(http.MethodDelete, "/api/keys?type=openrouter", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/api/keys?type=openrouter", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/api/keys?type=mistral", "alice", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid key type", errorOf(t, resp))
}

func TestKeys_FormatValidation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"openai ok", map[string]string{"type": "openai", "key": "sk-" + strings.Repeat("a", 40)}, http.StatusOK},
		{"anthropic ok", map[string]string{"type": "anthropic", "key": "sk-ant-" + strings.Repeat("a", 40)}, http.StatusOK},
		{"openrouter too short", map[string]string{"type": "openrouter", "key": "sk-or-short"}, http.StatusUnprocessableEntity},
		{"anthropic wrong prefix", map[string]string{"type": "anthropic", "key": "sk-" + strings.Repeat("a", 40)}, http.StatusUnprocessableEntity},
		{"unknown provider", map[string]string{"type": "mistral", "key": strings.Repeat("a", 40)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.doJSON(http.MethodPost, "/api/keys", "alice", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status != http.StatusOK {
				assert.NotContains(t, errorOf(t, resp), tt.body["key"], "keys are never echoed")
			}
		})
	}

	resp := h.do(http.MethodPost, "/api/keys", "alice", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimitedRoutes(t *testing.T) {
	h := newHarness(t, map[string]ratelimit.Rule{
		RuleKeys: {Tokens: 2, Window: time.Minute},
		RuleChat: {Tokens: 1, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		resp := h.doJSON(http.MethodGet, "/api/keys", "alice", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
	}

	for i := 0; i < 2; i++ {
		resp := h.doJSON(http.MethodPost, "/api/keys", "alice", map[string]string{"type": "openrouter", "key": testKey})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}
	resp := h.doJSON(http.MethodPost, "/api/keys", "alice", map[string]string{"type": "openrouter", "key": testKey})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	resp = h.postChat("/api/v1/chat", "alice", helloMessages, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readFrames(t, resp.Body)
	resp = h.postChat("/api/v1/chat", "alice", helloMessages, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	metricsResp := h.do(http.MethodGet, "/metrics", "", nil, "")
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), fmt.Sprintf(`rigchat_ratelimit_denied_total{route=%q} 1`, RuleKeys))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"validation", fmt.Errorf("wrap: %w", &chat.ValidationError{Message: "Bad input"}), http.StatusBadRequest, "Bad input"},
		{"credential", chat.ErrCredentialMissing, http.StatusUnauthorized, "API key not found"},
		{"unauthenticated", chat.ErrUnauthenticated, http.StatusUnauthorized, "Unauthorized"},
		{"chat not found", fmt.Errorf("%w: chat x", chat.ErrNotFound), http.StatusNotFound, "Not found"},
		{"record not found", store.ErrNotFound, http.StatusNotFound, "Not found"},
		{"conflict", chat.ErrConflict, http.StatusConflict, "A reply is already being generated for this chat"},
		{"bad key", cloud.ValidateAPIKey("openai", "nope"), http.StatusUnprocessableEntity, "invalid API key format for openai"},
		{"too large", storage.ErrTooLarge, http.StatusRequestEntityTooLarge, "Request body too large"},
		{"upstream", fmt.Errorf("%w: %w", chat.ErrUpstream, cloud.ErrAuthFailed), http.StatusInternalServerError, internalErrorMessage},
		{"database", fmt.Errorf("%w: disk I/O error at /var/lib/rigchat.db", store.ErrDatabase), http.StatusInternalServerError, internalErrorMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.msg, msg)
		})
	}
}
