// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates one streamed chat generation.
//
// The Gateway authorizes a request, resolves the caller's provider
// credential and persists the incoming user message. The Streamer then runs
// the optional search phase, relays provider fragments and persists the
// assistant reply. Both surface a single pull-based frame sequence:
//
//	session, err := gateway.Start(ctx, user, req)
//	defer session.Close()
//	for {
//	    frame, err := session.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        // abort the response; nothing partial was persisted
//	    }
//	    frame.WriteTo(w)
//	}
//
// Each call to Next reads at most one provider fragment, so a slow client
// applies backpressure all the way to the provider connection.
package chat
