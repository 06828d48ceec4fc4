// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/auth"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/search"
	"github.com/jeranaias/rigchat/internal/store"
	"github.com/jeranaias/rigchat/internal/util"
)

const (
	// DefaultModel is used when a request names no model.
	DefaultModel = "deepseek/deepseek-chat"

	// DefaultProvider names the credential looked up for completions.
	DefaultProvider = cloud.ProviderOpenRouter

	// TitleWidth caps generated chat titles, in terminal cells.
	TitleWidth = 50
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Store is the persistence the gateway needs.
type Store interface {
	MessageAppender
	CreateChat(ctx context.Context, c *store.Chat) error
	GetChat(ctx context.Context, userID, chatID string) (*store.Chat, error)
	UpdateChatModel(ctx context.Context, userID, chatID, model string) error
	DeleteChat(ctx context.Context, userID, chatID string) ([]string, error)
	GetAPIKey(ctx context.Context, userID, provider string) (*store.APIKey, error)
	GetAttachments(ctx context.Context, userID, chatID string, ids []string) ([]store.Attachment, error)
}

// Decrypter recovers a stored credential.
type Decrypter interface {
	Open(record string) (string, error)
}

// ProviderFactory builds a provider client for one API key.
type ProviderFactory func(apiKey string) Provider

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	DefaultModel string
	Provider     string
	Logger       zerolog.Logger
}

// Request is an inbound generation request.
type Request struct {
	// ChatID is empty to start a new chat.
	ChatID         string
	Messages       []cloud.ChatMessage
	Model          string
	WebSearch      bool
	ChainOfThought bool
	FileIDs        []string
}

// =============================================================================
// GATEWAY
// =============================================================================

// Gateway admits generation requests.
type Gateway struct {
	store     Store
	codec     Decrypter
	providers ProviderFactory
	streamer  *Streamer
	opts      GatewayOptions

	mu     sync.Mutex
	active map[string]struct{}
}

// NewGateway creates a Gateway.
func NewGateway(st Store, codec Decrypter, providers ProviderFactory, streamer *Streamer, opts GatewayOptions) *Gateway {
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	if opts.Provider == "" {
		opts.Provider = DefaultProvider
	}
	return &Gateway{
		store:     st,
		codec:     codec,
		providers: providers,
		streamer:  streamer,
		opts:      opts,
		active:    make(map[string]struct{}),
	}
}

// Start authorizes req for user and returns the session streaming the reply.
// The latest user message is persisted before Start returns. The caller must
// Close the session.
func (g *Gateway) Start(ctx context.Context, user *auth.User, req Request) (*Session, error) {
	if user == nil || user.ID == "" {
		return nil, ErrUnauthenticated
	}
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = g.opts.DefaultModel
	}

	var existing *store.Chat
	if req.ChatID != "" {
		c, err := g.store.GetChat(ctx, user.ID, req.ChatID)
		if err != nil {
			return nil, notFound(err, "chat "+req.ChatID)
		}
		existing = c
	} else if len(req.FileIDs) > 0 {
		return nil, invalid("attachments must be uploaded to an existing chat")
	}

	apiKey, err := g.credential(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if existing != nil && len(req.FileIDs) > 0 {
		if _, err := g.store.GetAttachments(ctx, user.ID, existing.ID, req.FileIDs); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, invalid("unknown attachment")
			}
			return nil, err
		}
	}

	last := req.Messages[len(req.Messages)-1]
	created := false
	chatID := req.ChatID
	if existing == nil {
		c := &store.Chat{
			UserID: user.ID,
			Title:  chatTitle(req.Messages),
			Model:  model,
		}
		if err := g.store.CreateChat(ctx, c); err != nil {
			return nil, err
		}
		chatID = c.ID
		created = true
		logger := logging.FromContext(ctx, g.opts.Logger)
		logger.Info().
			Str("chat_id", chatID).
			Str("user_id", user.ID).
			Msg("chat created")
	}

	release, ok := g.acquire(chatID)
	if !ok {
		return nil, fmt.Errorf("%w: chat %s", ErrConflict, chatID)
	}

	if existing != nil && existing.Model != model {
		if err := g.store.UpdateChatModel(ctx, user.ID, chatID, model); err != nil {
			release()
			return nil, notFound(err, "chat "+chatID)
		}
	}

	if last.Role == cloud.RoleUser {
		msg := &store.Message{
			ChatID:  chatID,
			Role:    store.RoleUser,
			Content: last.Content,
			Metadata: &store.MessageMetadata{
				Model: model,
				Features: store.Features{
					WebSearchEnabled: req.WebSearch,
					ChainOfThought:   req.ChainOfThought,
				},
				Attachments: req.FileIDs,
			},
		}
		if err := g.store.AppendMessage(ctx, user.ID, msg); err != nil {
			release()
			if created {
				g.discardChat(ctx, user.ID, chatID)
			}
			return nil, notFound(err, "chat "+chatID)
		}
	}

	stream := g.streamer.Open(ctx, Generation{
		UserID:         user.ID,
		ChatID:         chatID,
		Model:          model,
		Messages:       req.Messages,
		WebSearch:      req.WebSearch,
		ChainOfThought: req.ChainOfThought,
		Attachments:    req.FileIDs,
		Provider:       g.providers(apiKey),
	})

	s := &Session{ChatID: chatID, Created: created, stream: stream, release: release}
	if created {
		s.lead = []Frame{{Status: StatusChatCreated, ChatID: chatID}}
	}
	return s, nil
}

// credential loads and decrypts the caller's provider key.
func (g *Gateway) credential(ctx context.Context, userID string) (string, error) {
	rec, err := g.store.GetAPIKey(ctx, userID, g.opts.Provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrCredentialMissing
		}
		return "", err
	}
	key, err := g.codec.Open(rec.Encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s credential: %w", g.opts.Provider, err)
	}
	return key, nil
}

// acquire takes the per-chat generation slot. The lock is advisory and
// in-process only.
func (g *Gateway) acquire(chatID string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[chatID]; busy {
		return nil, false
	}
	g.active[chatID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, chatID)
			g.mu.Unlock()
		})
	}, true
}

// discardChat removes a chat created by a Start call that then failed.
func (g *Gateway) discardChat(ctx context.Context, userID, chatID string) {
	if _, err := g.store.DeleteChat(context.WithoutCancel(ctx), userID, chatID); err != nil {
		l := logging.FromContext(ctx, g.opts.Logger)
		l.Warn().
			Err(err).
			Str("chat_id", chatID).
			Msg("failed to remove empty chat")
	}
}

// Active reports whether a generation is running for chatID.
func (g *Gateway) Active(chatID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[chatID]
	return ok
}

func validateMessages(msgs []cloud.ChatMessage) error {
	if len(msgs) == 0 {
		return invalid("messages must not be empty")
	}
	hasUser := false
	for _, m := range msgs {
		switch m.Role {
		case cloud.RoleUser:
			hasUser = true
		case cloud.RoleAssistant, cloud.RoleSystem:
		default:
			return invalid(fmt.Sprintf("unsupported role %q", m.Role))
		}
	}
	if !hasUser {
		return invalid("messages must include a user message")
	}
	return nil
}

func chatTitle(msgs []cloud.ChatMessage) string {
	title := util.TruncateWidth(util.FirstLine(search.LatestUserMessage(msgs)), TitleWidth)
	if title == "" {
		return "New chat"
	}
	return title
}

func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// =============================================================================
// SESSION
// =============================================================================

// Session is an admitted generation. It owns the chat's generation slot
// until the stream ends or Close is called.
type Session struct {
	ChatID  string
	Created bool

	lead    []Frame
	stream  *Stream
	release func()
}

// Next returns the next frame. A new chat is announced before anything else.
func (s *Session) Next(ctx context.Context) (Frame, error) {
	if len(s.lead) > 0 {
		f := s.lead[0]
		s.lead = s.lead[1:]
		return f, nil
	}
	f, err := s.stream.Next(ctx)
	if err != nil {
		s.release()
	}
	return f, err
}

// Close releases the session, discarding an unfinished reply.
func (s *Session) Close() error {
	err := s.stream.Close()
	s.release()
	return err
}
