// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// APIKey is a provider credential record. Encrypted is the storage encoding
// produced by secret.Pack; the plaintext never reaches this package.
type APIKey struct {
	UserID    string
	Provider  string
	Encrypted string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PutAPIKey inserts or replaces the credential for (userID, provider).
func (s *Store) PutAPIKey(ctx context.Context, userID, provider, encrypted string) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys(user_id, provider, encrypted_api_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET
		     encrypted_api_key = excluded.encrypted_api_key,
		     updated_at = excluded.updated_at`,
		userID, provider, encrypted, now, now,
	)
	if err != nil {
		return dbErr("put api key", err)
	}
	return nil
}

// GetAPIKey returns the credential for (userID, provider).
func (s *Store) GetAPIKey(ctx context.Context, userID, provider string) (*APIKey, error) {
	var (
		k                APIKey
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, encrypted_api_key, created_at, updated_at
		 FROM api_keys WHERE user_id = ? AND provider = ?`,
		userID, provider,
	).Scan(&k.UserID, &k.Provider, &k.Encrypted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get api key", err)
	}
	k.CreatedAt = fromMillis(created)
	k.UpdatedAt = fromMillis(updated)
	return &k, nil
}

// ListAPIKeyProviders returns the providers userID has a key for.
func (s *Store) ListAPIKeyProviders(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider FROM api_keys WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, dbErr("list api keys", err)
	}
	defer rows.Close()

	providers := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, dbErr("scan api key", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list api keys", err)
	}
	return providers, nil
}

// DeleteAPIKey removes the credential for (userID, provider).
func (s *Store) DeleteAPIKey(ctx context.Context, userID, provider string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return dbErr("delete api key", err)
	}
	return requireRow(res)
}
