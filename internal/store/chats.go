// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Chat is a user-owned conversation.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultListLimit caps ListChats when no limit is given.
const DefaultListLimit = 100

// CreateChat inserts c, assigning an id and timestamps when unset.
func (s *Store) CreateChat(ctx context.Context, c *Chat) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.timestamp()
	c.CreatedAt = fromMillis(now)
	c.UpdatedAt = c.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(id, user_id, title, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.Model, now, now,
	)
	if err != nil {
		return dbErr("create chat", err)
	}
	return nil
}

// GetChat returns the chat if userID owns it.
func (s *Store) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	var (
		c                Chat
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at
		 FROM chats WHERE id = ? AND user_id = ?`,
		chatID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get chat", err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// ListChats returns userID's chats, most recently active first.
func (s *Store) ListChats(ctx context.Context, userID string, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at
		 FROM chats WHERE user_id = ?
		 ORDER BY updated_at DESC, created_at DESC
		 LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, dbErr("list chats", err)
	}
	defer rows.Close()

	chats := make([]Chat, 0)
	for rows.Next() {
		var (
			c                Chat
			created, updated int64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &created, &updated); err != nil {
			return nil, dbErr("scan chat", err)
		}
		c.CreatedAt = fromMillis(created)
		c.UpdatedAt = fromMillis(updated)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list chats", err)
	}
	return chats, nil
}

// UpdateChatModel records the model selected for a chat.
func (s *Store) UpdateChatModel(ctx context.Context, userID, chatID, model string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET model = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		model, s.timestamp(), chatID, userID,
	)
	if err != nil {
		return dbErr("update chat model", err)
	}
	return requireRow(res)
}

// DeleteChat removes a chat with its messages and attachment records. It
// returns the storage keys of the removed attachments so the caller can
// delete the blobs.
func (s *Store) DeleteChat(ctx context.Context, userID, chatID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr("begin", err)
	}
	defer tx.Rollback()

	if err := ownsChat(ctx, tx, userID, chatID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT storage_key FROM attachments WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, dbErr("list attachment keys", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, dbErr("scan attachment key", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dbErr("list attachment keys", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return nil, dbErr("delete chat", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr("commit", err)
	}
	return keys, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
