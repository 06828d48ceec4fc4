// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var hitsBucket = []byte("ratelimit_hits")

// BoltStore is a Store persisted in a local BoltDB file, so counters
// survive a restart of a single instance. Each key holds its in-window
// request times as a JSON array of Unix nanoseconds.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create rate limit directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open rate limit store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hitsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Hit implements Store.
func (s *BoltStore) Hit(_ context.Context, key string, now time.Time, rule Rule) (bool, int, time.Time, error) {
	var (
		allowed bool
		count   int
		oldest  = now
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(hitsBucket)

		var stamps []int64
		if v := b.Get([]byte(key)); len(v) > 0 {
			// A malformed entry is treated as empty rather than failing the request.
			if err := json.Unmarshal(v, &stamps); err != nil {
				stamps = nil
			}
		}

		cutoff := now.Add(-rule.Window).UnixNano()
		i := 0
		for i < len(stamps) && stamps[i] <= cutoff {
			i++
		}
		stamps = stamps[i:]

		allowed = len(stamps) < rule.Tokens
		if allowed {
			stamps = append(stamps, now.UnixNano())
		}
		count = len(stamps)
		if count > 0 {
			oldest = time.Unix(0, stamps[0])
		}

		if count == 0 {
			return b.Delete([]byte(key))
		}
		v, err := json.Marshal(stamps)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), v)
	})
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("bolt sliding window: %w", err)
	}
	return allowed, count, oldest, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
