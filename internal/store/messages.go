// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Features records which optional pipeline stages applied to a message.
type Features struct {
	WebSearchEnabled bool `json:"web_search_enabled"`
	WebSearchUsed    bool `json:"web_search_used"`
	ChainOfThought   bool `json:"chain_of_thought,omitempty"`
}

// MessageMetadata is stored as JSON alongside a message.
type MessageMetadata struct {
	Model       string   `json:"model,omitempty"`
	Features    Features `json:"features"`
	Attachments []string `json:"attachments,omitempty"`
}

// Message is one immutable entry in a chat.
type Message struct {
	ID        string           `json:"id"`
	ChatID    string           `json:"chat_id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// AppendMessage appends m to a chat owned by userID and bumps the chat's
// updated_at. Messages are never updated afterwards.
func (s *Store) AppendMessage(ctx context.Context, userID string, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	var meta sql.NullString
	if m.Metadata != nil {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode message metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin", err)
	}
	defer tx.Rollback()

	if err := ownsChat(ctx, tx, userID, m.ChatID); err != nil {
		return err
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(id, chat_id, role, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Role, m.Content, meta, now,
	); err != nil {
		return dbErr("insert message", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, now, m.ChatID,
	); err != nil {
		return dbErr("touch chat", err)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit", err)
	}

	m.CreatedAt = fromMillis(now)
	return nil
}

// ListMessages returns a chat's messages in append order.
func (s *Store) ListMessages(ctx context.Context, userID, chatID string) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr("begin", err)
	}
	defer tx.Rollback()

	if err := ownsChat(ctx, tx, userID, chatID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, chat_id, role, content, metadata, created_at
		 FROM messages WHERE chat_id = ? ORDER BY seq ASC`,
		chatID,
	)
	if err != nil {
		return nil, dbErr("list messages", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var (
			m       Message
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &meta, &created); err != nil {
			return nil, dbErr("scan message", err)
		}
		if meta.Valid && meta.String != "" {
			m.Metadata = &MessageMetadata{}
			if err := json.Unmarshal([]byte(meta.String), m.Metadata); err != nil {
				return nil, fmt.Errorf("message %s has invalid metadata: %w", m.ID, err)
			}
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list messages", err)
	}
	return msgs, nil
}
