// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rigchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "deepseek/deepseek-chat", cfg.Cloud.DefaultModel)
	assert.Equal(t, "google/gemini-flash-1.5-8b", cfg.Cloud.AuxModel)
	assert.Equal(t, "openrouter", cfg.Cloud.Provider)
	assert.Zero(t, cfg.Cloud.StreamTimeout)
	assert.False(t, cfg.IsDevelopment())
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	assert.Equal(t, RuleConfig{Tokens: 5, Window: 15 * time.Minute}, rules["forgot-password"])
	assert.Equal(t, RuleConfig{Tokens: 1, Window: time.Minute}, rules["resend-otp"])
	assert.Equal(t, RuleConfig{Tokens: 20, Window: 15 * time.Minute}, rules["sign-in"])
	assert.Contains(t, rules, "chat")
}

// =============================================================================
// LOADING
// =============================================================================

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"
mode = "Development"

[cloud]
stream_timeout = "2m"

[ratelimit.rules.chat]
tokens = 3
window = "30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 2*time.Minute, cfg.Cloud.StreamTimeout)
	assert.Equal(t, RuleConfig{Tokens: 3, Window: 30 * time.Second}, cfg.RateLimit.Rules["chat"])
	// Rules not named in the file still come from defaults.
	assert.Equal(t, 5, cfg.RateLimit.Rules["forgot-password"].Tokens)
	assert.Equal(t, "rigchat.db", cfg.Database.Path)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadTOML_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
adress = ":1"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.adress")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RIGCHAT_MODE", "development")
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("RAG_API_URL", "http://rag:8000/")
	t.Setenv("RIGCHAT_STREAM_TIMEOUT", "90s")
	t.Setenv("RIGCHAT_LOG_PRETTY", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, testKey, cfg.Security.EncryptionKey)
	assert.Equal(t, "http://rag:8000/api/v1", cfg.Search.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Cloud.StreamTimeout)
	assert.True(t, cfg.Logging.Pretty)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "explicit.toml", ResolvePath("explicit.toml"))

	t.Setenv("RIGCHAT_CONFIG", "/etc/rigchat.toml")
	assert.Equal(t, "/etc/rigchat.toml", ResolvePath(""))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad mode", func(c *Config) { c.Server.Mode = "staging" }, "server.mode"},
		{"short key", func(c *Config) { c.Security.EncryptionKey = "abcd" }, "security.encryption_key"},
		{"non hex key", func(c *Config) { c.Security.EncryptionKey = strings.Repeat("zz", 32) }, "security.encryption_key"},
		{"redis without url", func(c *Config) { c.RateLimit.Backend = BackendRedis }, "ratelimit.redis_url"},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "memcached" }, "ratelimit.backend"},
		{"zero rule", func(c *Config) { c.RateLimit.Rules["chat"] = RuleConfig{} }, "ratelimit.rules.chat"},
		{"bad proxy", func(c *Config) { c.Server.TrustedProxies = []string{"not-a-cidr"} }, "server.trusted_proxies"},
		{"bad cloud url", func(c *Config) { c.Cloud.BaseURL = "ftp://x" }, "cloud.base_url"},
		{"short session secret", func(c *Config) { c.Security.SessionSecret = "short" }, "security.session_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.SetDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestValidate_AcceptsGoodKey(t *testing.T) {
	cfg := Default()
	cfg.Security.EncryptionKey = testKey
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "127.0.0.1"}
	require.NoError(t, cfg.Validate())
}

// =============================================================================
// SAVE
// =============================================================================

func TestSaveTOML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "rigchat.toml")

	cfg := Default()
	cfg.Security.EncryptionKey = testKey
	cfg.RateLimit.Rules["chat"] = RuleConfig{Tokens: 7, Window: 45 * time.Second}
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testKey, loaded.Security.EncryptionKey)
	assert.Equal(t, RuleConfig{Tokens: 7, Window: 45 * time.Second}, loaded.RateLimit.Rules["chat"])
}

// =============================================================================
// WATCHER
// =============================================================================

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "[server]\naddr = \":1000\"\n")

	var lastAddr atomic.Value
	w, err := NewWatcher(path, 100*time.Millisecond, func(c *Config) {
		lastAddr.Store(c.Server.Addr)
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \":2000\"\n"), 0o600))
	require.Eventually(t, func() bool {
		v, _ := lastAddr.Load().(string)
		return v == ":2000"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_RejectsInvalidEdit(t *testing.T) {
	path := writeConfig(t, "[server]\nmode = \"bogus\"\n")

	called := false
	w, err := NewWatcher(path, 0, func(*Config) { called = true }, zerolog.Nop())
	require.NoError(t, err)
	defer w.watcher.Close()

	w.reload()
	assert.False(t, called)
}
