// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the OpenRouter-compatible completion client.
//
// A client is bound to one caller's API key. Clients are cheap to build per
// request; they share a pooled transport.
//
// # Key Types
//
//   - OpenRouterClient: chat completions, plain and streamed
//   - ChatStream: pull iterator over streamed content fragments
//   - SSEReader: Server-Sent Events parser
//
// # Usage
//
//	client := cloud.NewOpenRouterClient(apiKey).WithBaseURL(cfg.Cloud.BaseURL)
//	stream, err := client.StreamChat(ctx, cloud.ChatRequest{
//	    Model:    "deepseek/deepseek-chat",
//	    Messages: []cloud.ChatMessage{cloud.NewUserMessage("Hello")},
//	})
//	defer stream.Close()
//	for {
//	    fragment, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
//
// API keys are never logged; requests are identified by a key fingerprint.
package cloud
