// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the rigchat HTTP API.
//
// # Endpoints
//
//   - POST   /api/v1/chat             - Start a chat and stream the reply (SSE)
//   - POST   /api/v1/chat/{id}        - Continue a chat and stream the reply
//   - GET    /api/v1/chat/{id}        - Chat with its messages
//   - GET    /api/v1/chat/{id}/export - Download a transcript (?format=markdown|json)
//   - DELETE /api/v1/chat/{id}        - Delete a chat and its attachments
//   - GET    /api/v1/chats            - Caller's chats, newest first
//   - POST   /api/v1/chat/{id}/files  - Upload an attachment
//   - POST   /api/keys                - Save a provider key
//   - GET    /api/keys                - Providers with a saved key
//   - DELETE /api/keys?type=          - Remove a provider key
//   - GET    /api/v1/account          - Authenticated user
//   - GET    /health                  - Health check
//   - GET    /metrics                 - Prometheus metrics
//
// Every /api route requires a session token (Bearer header or cookie).
// Chat, key and upload writes are rate limited per client.
//
// # Streaming
//
// A chat response is a sequence of "data: <json>\n\n" frames. Status frames
// look like {"status":"generating"}; content frames look like
// {"choices":[{"delta":{"content":"..."}}]}. A new chat is announced in the
// X-Chat-Id header and by a leading chat_created frame. If generation fails
// after the first frame the connection is dropped without a completed frame.
//
// # Usage
//
//	srv := server.New(cfg.Server, server.Deps{...})
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
