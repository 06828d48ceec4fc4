// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/export"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/store"
	"github.com/jeranaias/rigchat/internal/util"
)

// ChatIDHeader announces the chat a stream belongs to.
const ChatIDHeader = "X-Chat-Id"

// ============================================================================
// STREAMING CHAT
// ============================================================================

// handleChat handles POST /api/v1/chat and POST /api/v1/chat/{id}.
//
// Errors before the first frame get a JSON error response. Once the stream
// has started the only way to signal failure is to drop the connection, so a
// mid-stream error aborts the handler.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	req, err := parseChatForm(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	req.ChatID = r.PathValue("id")

	ctx := r.Context()
	sess, err := s.deps.Gateway.Start(ctx, requestUser(r), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer sess.Close()

	h := w.Header()
	h.Set(ChatIDHeader, sess.ChatID)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	l := logging.FromContext(ctx, s.logger)
	for {
		frame, err := sess.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				l.Debug().Str("chat_id", sess.ChatID).Msg("client went away")
				return
			}
			l.Error().Err(err).Str("chat_id", sess.ChatID).Msg("stream aborted")
			panic(http.ErrAbortHandler)
		}
		if _, err := frame.WriteTo(w); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// parseChatForm reads the multipart or urlencoded chat form.
func parseChatForm(r *http.Request) (chat.Request, error) {
	var req chat.Request

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return req, formError(err)
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return req, formError(err)
		}
	default:
		return req, &chat.ValidationError{Message: "Expected a form body"}
	}

	raw := r.PostFormValue("messages")
	if raw == "" {
		return req, &chat.ValidationError{Message: "Messages are required"}
	}
	if err := json.Unmarshal([]byte(raw), &req.Messages); err != nil {
		return req, &chat.ValidationError{Message: "Messages must be a JSON array"}
	}
	if len(req.Messages) > MaxMessageCount {
		return req, &chat.ValidationError{Message: fmt.Sprintf("Too many messages: maximum is %d", MaxMessageCount)}
	}
	for i := range req.Messages {
		req.Messages[i].Content = util.NormalizeText(req.Messages[i].Content)
	}

	req.Model = strings.TrimSpace(r.PostFormValue("model"))
	req.WebSearch = r.PostFormValue("webSearchEnabled") == "true"
	req.ChainOfThought = r.PostFormValue("cotEnabled") == "true"

	if ids := r.PostFormValue("fileIds"); ids != "" {
		if err := json.Unmarshal([]byte(ids), &req.FileIDs); err != nil {
			return req, &chat.ValidationError{Message: "fileIds must be a JSON array of strings"}
		}
	}
	return req, nil
}

func formError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return err
	}
	return &chat.ValidationError{Message: "Malformed request body"}
}

// ============================================================================
// CHAT RECORDS
// ============================================================================

type chatResponse struct {
	Chat     *store.Chat     `json:"chat"`
	Messages []store.Message `json:"messages"`
}

// handleGetChat handles GET /api/v1/chat/{id}.
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id := r.PathValue("id")

	c, err := s.deps.Store.GetChat(r.Context(), user.ID, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), user.ID, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: c, Messages: msgs})
}

// handleExportChat handles GET /api/v1/chat/{id}/export?format=markdown|json.
func (s *Server) handleExportChat(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id := r.PathValue("id")

	exp, err := export.ForFormat(r.URL.Query().Get("format"), nil)
	if err != nil {
		s.writeErr(w, r, &chat.ValidationError{Message: "Unsupported export format"})
		return
	}
	c, err := s.deps.Store.GetChat(r.Context(), user.ID, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), user.ID, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	body, err := exp.Export(&export.Transcript{Chat: c, Messages: msgs})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": export.Filename(c, exp)})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", exp.MimeType())
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleDeleteChat handles DELETE /api/v1/chat/{id}. A chat that is still
// generating cannot be deleted.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id := r.PathValue("id")

	// Ownership first, so a busy chat is not revealed to other users.
	if _, err := s.deps.Store.GetChat(r.Context(), user.ID, id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if s.deps.Gateway != nil && s.deps.Gateway.Active(id) {
		s.writeErr(w, r, chat.ErrConflict)
		return
	}
	keys, err := s.deps.Store.DeleteChat(r.Context(), user.ID, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	l := logging.FromContext(r.Context(), s.logger)
	for _, key := range keys {
		if err := s.deps.Files.Delete(key); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
			l.Warn().Err(err).Str("chat_id", id).Msg("attachment cleanup failed")
		}
	}
	l.Info().Str("chat_id", id).Int("attachments", len(keys)).Msg("chat deleted")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleListChats handles GET /api/v1/chats[?limit=n].
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeErr(w, r, &chat.ValidationError{Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	chats, err := s.deps.Store.ListChats(r.Context(), requestUser(r).ID, limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string][]store.Chat{"chats": chats})
}

// ============================================================================
// ATTACHMENTS
// ============================================================================

// handleUpload handles POST /api/v1/chat/{id}/files with a multipart "file"
// field. The blob is written first and removed again if the record fails.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	chatID := r.PathValue("id")
	ctx := r.Context()

	if _, err := s.deps.Store.GetChat(ctx, user.ID, chatID); err != nil {
		s.writeErr(w, r, err)
		return
	}

	if s.deps.Files.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.deps.Files.MaxBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeErr(w, r, formError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeErr(w, r, &chat.ValidationError{Message: "A file is required"})
		return
	}
	defer file.Close()

	key, n, err := s.deps.Files.Put(ctx, user.ID, header.Filename, file)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	att := &store.Attachment{
		ChatID:     chatID,
		UserID:     user.ID,
		Filename:   filepath.Base(header.Filename),
		Size:       n,
		MIMEType:   mimeType,
		StorageKey: key,
	}
	if err := s.deps.Store.CreateAttachment(ctx, att); err != nil {
		s.deps.Files.Delete(key)
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// ============================================================================
// PROVIDER KEYS
// ============================================================================

type putKeyRequest struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// handlePutKey handles POST /api/keys {type, key}. The key is format-checked,
// encrypted and upserted; it is never logged or echoed.
func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var body putKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErr(w, r, formError(err))
		return
	}
	body.Key = strings.TrimSpace(body.Key)
	if err := cloud.ValidateAPIKey(body.Type, body.Key); err != nil {
		s.writeErr(w, r, err)
		return
	}

	sealed, err := s.deps.Codec.Seal(body.Key)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	user := requestUser(r)
	if err := s.deps.Store.PutAPIKey(r.Context(), user.ID, body.Type, sealed); err != nil {
		s.writeErr(w, r, err)
		return
	}

	l := logging.FromContext(r.Context(), s.logger)
	l.Info().Str("user_id", user.ID).Str("provider", body.Type).Msg("api key saved")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "API key saved successfully.",
	})
}

// handleListKeys handles GET /api/keys. Only provider names are returned.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListAPIKeyProviders(r.Context(), requestUser(r).ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	keys := make(map[string]bool, len(providers))
	for _, p := range providers {
		keys[p] = true
	}
	writeJSON(w, http.StatusOK, map[string]map[string]bool{"keys": keys})
}

// handleDeleteKey handles DELETE /api/keys?type=provider.
func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("type")
	if !knownProvider(provider) {
		s.writeErr(w, r, cloud.ErrUnknownProvider)
		return
	}
	if err := s.deps.Store.DeleteAPIKey(r.Context(), requestUser(r).ID, provider); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "API key deleted successfully.",
	})
}

func knownProvider(name string) bool {
	for _, p := range cloud.Providers() {
		if p == name {
			return true
		}
	}
	return false
}

// ============================================================================
// ACCOUNT
// ============================================================================

// handleAccount handles GET /api/v1/account.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user": requestUser(r)})
}
