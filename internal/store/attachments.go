// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attachment is an uploaded file belonging to a chat.
type Attachment struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	UserID     string    `json:"-"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	MIMEType   string    `json:"mime_type"`
	StorageKey string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateAttachment records an uploaded file on a chat owned by a.UserID.
func (s *Store) CreateAttachment(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin", err)
	}
	defer tx.Rollback()

	if err := ownsChat(ctx, tx, a.UserID, a.ChatID); err != nil {
		return err
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attachments(id, chat_id, user_id, filename, size, mime_type, storage_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ChatID, a.UserID, a.Filename, a.Size, a.MIMEType, a.StorageKey, now,
	); err != nil {
		return dbErr("insert attachment", err)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit", err)
	}

	a.CreatedAt = fromMillis(now)
	return nil
}

// GetAttachments resolves ids on a chat owned by userID. Any id that does not
// belong to that chat yields ErrNotFound.
func (s *Store) GetAttachments(ctx context.Context, userID, chatID string, ids []string) ([]Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, chatID, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.chat_id, a.user_id, a.filename, a.size, a.mime_type, a.storage_key, a.created_at
		 FROM attachments a JOIN chats c ON c.id = a.chat_id
		 WHERE a.chat_id = ? AND c.user_id = ? AND a.id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, dbErr("get attachments", err)
	}
	defer rows.Close()

	byID := make(map[string]Attachment, len(ids))
	for rows.Next() {
		var (
			a       Attachment
			created int64
		)
		if err := rows.Scan(&a.ID, &a.ChatID, &a.UserID, &a.Filename, &a.Size, &a.MIMEType, &a.StorageKey, &created); err != nil {
			return nil, dbErr("scan attachment", err)
		}
		a.CreatedAt = fromMillis(created)
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("get attachments", err)
	}

	out := make([]Attachment, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, a)
	}
	return out, nil
}
