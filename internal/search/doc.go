// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package search provides web-search augmentation for chat completions.
//
// An Augmenter asks a cheap auxiliary model whether the latest user message
// needs fresh information and rewrites it into a search query. A Client
// calls the retrieval service, which answers either with a single JSON
// document or with a stream of progress events; both shapes are exposed as
// the same Results iterator.
//
// # Usage
//
//	aug := search.NewAugmenter(provider, cfg.Cloud.AuxModel)
//	if aug.NeedsSearch(ctx, messages) {
//	    results, err := searcher.Search(ctx, aug.RewriteQuery(ctx, query))
//	    ...
//	    for {
//	        ev, err := results.Next()
//	        if err == io.EOF {
//	            break
//	        }
//	        ...
//	    }
//	}
package search
