// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit implements sliding-window request throttling keyed by
// route and client identity.
//
// Counters live in a Store. MemoryStore keeps them in process, BoltStore
// persists them for a single instance and RedisStore shares them between
// instances. In development mode the Limiter always allows and never
// touches the store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownRule is returned by Check for a route without a configured rule.
var ErrUnknownRule = errors.New("ratelimit: unknown rule")

// Rule is a token budget over a sliding window.
type Rule struct {
	Tokens int
	Window time.Duration
}

// Result describes one rate-limit decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Store records hits for a key inside a sliding window.
type Store interface {
	// Hit records a request at now if fewer than rule.Tokens requests fall
	// inside (now-rule.Window, now]. It reports whether the request was
	// recorded, the in-window count after the call, and the timestamp of the
	// oldest in-window request.
	Hit(ctx context.Context, key string, now time.Time, rule Rule) (allowed bool, count int, oldest time.Time, err error)
}

// Limiter applies named rules against a Store.
type Limiter struct {
	store    Store
	disabled bool
	now      func() time.Time
	logger   zerolog.Logger
	onDeny   func(route string)

	mu    sync.RWMutex
	rules map[string]Rule
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithDisabled turns the limiter into an always-allow pass-through.
func WithDisabled(disabled bool) Option {
	return func(l *Limiter) { l.disabled = disabled }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store failures and denials.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithDenyHook registers a callback invoked on every denial.
func WithDenyHook(fn func(route string)) Option {
	return func(l *Limiter) { l.onDeny = fn }
}

// New creates a Limiter. store may be nil when the limiter is disabled.
func New(store Store, rules map[string]Rule, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: zerolog.Nop(),
		rules:  copyRules(rules),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetRules replaces the rule set, e.g. after a config reload.
func (l *Limiter) SetRules(rules map[string]Rule) {
	l.mu.Lock()
	l.rules = copyRules(rules)
	l.mu.Unlock()
}

// Rule returns the rule for route.
func (l *Limiter) Rule(route string) (Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rules[route]
	return r, ok
}

// Disabled reports whether the limiter is a pass-through.
func (l *Limiter) Disabled() bool {
	return l.disabled
}

// Check consumes one token from the bucket "<route>:<identity>".
//
// Store failures fail open: the request is allowed and the error is logged.
func (l *Limiter) Check(ctx context.Context, route, identity string) (Result, error) {
	rule, ok := l.Rule(route)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownRule, route)
	}

	now := l.now()
	if l.disabled || l.store == nil {
		l.logger.Debug().Str("route", route).Str("identity", identity).Msg("rate limiting skipped")
		return Result{Allowed: true, Limit: rule.Tokens, Remaining: rule.Tokens, Reset: now}, nil
	}

	key := route + ":" + identity
	allowed, count, oldest, err := l.store.Hit(ctx, key, now, rule)
	if err != nil {
		l.logger.Warn().Err(err).Str("route", route).Msg("rate limit store unavailable, allowing request")
		return Result{Allowed: true, Limit: rule.Tokens, Remaining: rule.Tokens, Reset: now}, nil
	}

	if oldest.IsZero() {
		oldest = now
	}
	res := Result{
		Allowed:   allowed,
		Limit:     rule.Tokens,
		Remaining: max(rule.Tokens-count, 0),
		Reset:     oldest.Add(rule.Window),
	}

	if !allowed {
		res.RetryAfter = res.Reset.Sub(now)
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
		l.logger.Info().
			Str("event", "rate_limit_exceeded").
			Str("route", route).
			Str("identity", identity).
			Int("limit", rule.Tokens).
			Dur("retry_after", res.RetryAfter).
			Msg("rate limit exceeded")
		if l.onDeny != nil {
			l.onDeny(route)
		}
	}
	return res, nil
}

func copyRules(in map[string]Rule) map[string]Rule {
	out := make(map[string]Rule, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
