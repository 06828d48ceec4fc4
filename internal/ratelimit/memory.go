// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a Store backed by per-key timestamp logs in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*entry
	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	hits   []time.Time
	window time.Duration
}

// NewMemoryStore creates a MemoryStore. A background goroutine drops idle
// keys every cleanupInterval; call Close to stop it.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		requests: make(map[string]*entry),
		stop:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanup(cleanupInterval)
	}
	return s
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, rule Rule) (bool, int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.requests[key]
	if e == nil {
		e = &entry{}
		s.requests[key] = e
	}
	e.window = rule.Window
	e.hits = prune(e.hits, now.Add(-rule.Window))

	allowed := len(e.hits) < rule.Tokens
	if allowed {
		e.hits = append(e.hits, now)
	}

	oldest := now
	if len(e.hits) > 0 {
		oldest = e.hits[0]
	}
	return allowed, len(e.hits), oldest, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.requests {
		e.hits = prune(e.hits, now.Add(-e.window))
		if len(e.hits) == 0 {
			delete(s.requests, key)
		}
	}
}

// prune drops timestamps at or before cutoff. hits is sorted ascending.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
