// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/cloud"
)

// DefaultAuxModel is the model used for the classifier and rewrite calls.
const DefaultAuxModel = "google/gemini-flash-1.5-8b"

const (
	classifierPrompt = "You decide whether a question needs current information from the web. " +
		"Consider whether it asks about recent events, live data such as weather or prices, " +
		"or facts that change over time. Reply with 'true' if a web search would help and " +
		"'false' otherwise."

	rewritePrompt = "Rewrite the user's question as a short search-engine query. Keep the key " +
		"concepts, drop filler words, and reply with the query only."

	classifierTemperature = 0.1
	classifierMaxTokens   = 5
	rewriteTemperature    = 0.1
	rewriteMaxTokens      = 100
)

// Completer runs a non-streaming completion.
type Completer interface {
	Complete(ctx context.Context, req cloud.ChatRequest) (string, error)
}

// Augmenter makes the auxiliary-model decisions of the search phase.
type Augmenter struct {
	completer Completer
	model     string
	logger    zerolog.Logger
}

// NewAugmenter creates an Augmenter. An empty model selects DefaultAuxModel.
func NewAugmenter(c Completer, model string) *Augmenter {
	if model == "" {
		model = DefaultAuxModel
	}
	return &Augmenter{completer: c, model: model, logger: zerolog.Nop()}
}

// WithLogger sets the logger used for swallowed classifier errors.
func (a *Augmenter) WithLogger(l zerolog.Logger) *Augmenter {
	a.logger = l
	return a
}

// NeedsSearch asks the auxiliary model whether the latest user message needs
// web results. Any failure answers false.
func (a *Augmenter) NeedsSearch(ctx context.Context, messages []cloud.ChatMessage) bool {
	query := LatestUserMessage(messages)
	if query == "" {
		return false
	}

	reply, err := a.completer.Complete(ctx, cloud.ChatRequest{
		Model: a.model,
		Messages: []cloud.ChatMessage{
			cloud.NewSystemMessage(classifierPrompt),
			cloud.NewUserMessage(query),
		},
		Temperature: classifierTemperature,
		MaxTokens:   classifierMaxTokens,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("search classifier failed")
		return false
	}
	return strings.Contains(strings.ToLower(reply), "true")
}

// RewriteQuery turns query into a search-engine query. Failures and empty
// replies return query unchanged.
func (a *Augmenter) RewriteQuery(ctx context.Context, query string) string {
	reply, err := a.completer.Complete(ctx, cloud.ChatRequest{
		Model: a.model,
		Messages: []cloud.ChatMessage{
			cloud.NewSystemMessage(rewritePrompt),
			cloud.NewUserMessage(query),
		},
		Temperature: rewriteTemperature,
		MaxTokens:   rewriteMaxTokens,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("search query rewrite failed")
		return query
	}
	if rewritten := strings.TrimSpace(reply); rewritten != "" {
		return rewritten
	}
	return query
}

// LatestUserMessage returns the content of the last user message.
func LatestUserMessage(messages []cloud.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == cloud.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// contextHeader opens the synthetic system message built from snippets.
const contextHeader = "Here are relevant search results to help answer the query:\n\n"

// BuildContext renders snippets into the system message injected before the
// model call. It returns "" when there are no snippets.
func BuildContext(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	parts := make([]string, len(snippets))
	for i, s := range snippets {
		parts[i] = "Source: " + s.URL + "\n" + s.Content + "\n---\n"
	}
	return contextHeader + strings.Join(parts, "\n")
}
