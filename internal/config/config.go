// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigchat/internal/util"
)

// Execution modes.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// Rate limit backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "rigchat.toml"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigchat configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Storage   StorageConfig   `toml:"storage"`
	Security  SecurityConfig  `toml:"security"`
	Cloud     CloudConfig     `toml:"cloud"`
	Search    SearchConfig    `toml:"search"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Addr string `toml:"addr"`

	// Mode is "production" or "development". Development disables rate
	// limiting so no counter store is needed.
	Mode string `toml:"mode"`

	// TrustedProxies lists CIDRs allowed to set X-Forwarded-For/X-Real-IP.
	// Empty means forwarded headers are always honoured.
	TrustedProxies []string `toml:"trusted_proxies"`

	CORSOrigins []string `toml:"cors_origins"`

	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	ReadTimeout       time.Duration `toml:"read_timeout"`
	// WriteTimeout bounds the whole response, streams included. Zero disables it.
	WriteTimeout    time.Duration `toml:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// DatabaseConfig points at the sqlite record store.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// StorageConfig configures the attachment blob store.
type StorageConfig struct {
	UploadDir      string `toml:"upload_dir"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`
}

// SecurityConfig holds key material. Never log this struct.
type SecurityConfig struct {
	// EncryptionKey is 32 bytes, hex encoded, used to encrypt provider keys.
	EncryptionKey string `toml:"encryption_key"`

	// SessionSecret verifies HS256 session tokens issued by the identity provider.
	SessionSecret string `toml:"session_secret"`
	SessionCookie string `toml:"session_cookie"`
	SessionIssuer string `toml:"session_issuer"`
}

// CloudConfig configures the completion provider.
type CloudConfig struct {
	BaseURL      string `toml:"base_url"`
	Provider     string `toml:"provider"`
	DefaultModel string `toml:"default_model"`

	// AuxModel serves the cheap search classifier and query rewrite calls.
	AuxModel string `toml:"aux_model"`

	SiteURL  string `toml:"site_url"`
	SiteName string `toml:"site_name"`

	// RequestTimeout bounds non-streaming calls.
	RequestTimeout time.Duration `toml:"request_timeout"`

	// StreamTimeout bounds a whole generation. Zero means no limit, so a hung
	// provider keeps the stream open until the client disconnects.
	StreamTimeout time.Duration `toml:"stream_timeout"`
}

// SearchConfig configures the external search/RAG service.
type SearchConfig struct {
	Enabled bool          `toml:"enabled"`
	BaseURL string        `toml:"base_url"`
	Timeout time.Duration `toml:"timeout"`
	MaxQPS  float64       `toml:"max_qps"`
	Burst   int           `toml:"burst"`
}

// RuleConfig is one named rate-limit rule.
type RuleConfig struct {
	Tokens int           `toml:"tokens"`
	Window time.Duration `toml:"window"`
}

// RateLimitConfig selects the counter store and rules.
type RateLimitConfig struct {
	Backend  string `toml:"backend"`
	RedisURL string `toml:"redis_url"`
	Prefix   string `toml:"prefix"`

	// BoltPath holds counters for the bolt backend, which keeps limits
	// across restarts of a single instance.
	BoltPath string `toml:"bolt_path"`

	Rules map[string]RuleConfig `toml:"rules"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultRules returns the built-in rate-limit rules.
func DefaultRules() map[string]RuleConfig {
	return map[string]RuleConfig{
		"forgot-password": {Tokens: 5, Window: 15 * time.Minute},
		"resend-otp":      {Tokens: 1, Window: time.Minute},
		"sign-in":         {Tokens: 20, Window: 15 * time.Minute},
		"chat":            {Tokens: 20, Window: time.Minute},
		"keys":            {Tokens: 10, Window: 15 * time.Minute},
		"upload":          {Tokens: 30, Window: 15 * time.Minute},
	}
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			Mode:              ModeProduction,
			CORSOrigins:       []string{"http://localhost:3000"},
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBodyBytes:      1 << 20,
		},
		Database: DatabaseConfig{
			Path: "rigchat.db",
		},
		Storage: StorageConfig{
			UploadDir:      "uploads",
			MaxUploadBytes: 20 << 20,
		},
		Security: SecurityConfig{
			SessionCookie: "rigchat_session",
		},
		Cloud: CloudConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			Provider:       "openrouter",
			DefaultModel:   "deepseek/deepseek-chat",
			AuxModel:       "google/gemini-flash-1.5-8b",
			SiteName:       "rigchat",
			RequestTimeout: 30 * time.Second,
		},
		Search: SearchConfig{
			Enabled: true,
			BaseURL: "http://localhost:8000/api/v1",
			Timeout: 30 * time.Second,
			MaxQPS:  5,
			Burst:   5,
		},
		RateLimit: RateLimitConfig{
			Backend:  BackendMemory,
			Prefix:   "rigchat:ratelimit",
			BoltPath: "rigchat-ratelimit.db",
			Rules:    DefaultRules(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Server.Mode, ModeDevelopment)
}

// =============================================================================
// LOADING
// =============================================================================

// ResolvePath picks the config file to load. It returns "" when no file
// exists and defaults should be used.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("RIGCHAT_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	return ""
}

// Load reads the config at path (or defaults when path is empty), applies
// environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg. Keys absent from the file keep the
// values already in cfg.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// SaveTOML writes cfg to path with owner-only permissions since it may hold
// key material.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# rigchat configuration\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return util.AtomicWriteFile(path, []byte(b.String()), 0o600)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported variables:
//   - RIGCHAT_ADDR: server.addr
//   - RIGCHAT_MODE: server.mode
//   - RIGCHAT_DB: database.path
//   - RIGCHAT_UPLOAD_DIR: storage.upload_dir
//   - ENCRYPTION_KEY, RIGCHAT_ENCRYPTION_KEY: security.encryption_key
//   - RIGCHAT_SESSION_SECRET: security.session_secret
//   - RIGCHAT_OPENROUTER_URL: cloud.base_url
//   - RIGCHAT_MODEL: cloud.default_model
//   - RIGCHAT_STREAM_TIMEOUT: cloud.stream_timeout
//   - RAG_API_URL, RIGCHAT_SEARCH_URL: search.base_url
//   - RIGCHAT_RATELIMIT_BACKEND: ratelimit.backend
//   - RIGCHAT_REDIS_URL: ratelimit.redis_url
//   - RIGCHAT_LOG_LEVEL: logging.level
//   - RIGCHAT_LOG_PRETTY: logging.pretty
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGCHAT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RIGCHAT_MODE"); v != "" {
		c.Server.Mode = v
	}
	if v := os.Getenv("RIGCHAT_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("RIGCHAT_UPLOAD_DIR"); v != "" {
		c.Storage.UploadDir = v
	}

	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv("RIGCHAT_ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv("RIGCHAT_SESSION_SECRET"); v != "" {
		c.Security.SessionSecret = v
	}

	if v := os.Getenv("RIGCHAT_OPENROUTER_URL"); v != "" {
		c.Cloud.BaseURL = v
	}
	if v := os.Getenv("RIGCHAT_MODEL"); v != "" {
		c.Cloud.DefaultModel = v
	}
	if v := os.Getenv("RIGCHAT_STREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cloud.StreamTimeout = d
		}
	}

	if v := os.Getenv("RAG_API_URL"); v != "" {
		c.Search.BaseURL = strings.TrimRight(v, "/") + "/api/v1"
	}
	if v := os.Getenv("RIGCHAT_SEARCH_URL"); v != "" {
		c.Search.BaseURL = v
	}

	if v := os.Getenv("RIGCHAT_RATELIMIT_BACKEND"); v != "" {
		c.RateLimit.Backend = v
	}
	if v := os.Getenv("RIGCHAT_REDIS_URL"); v != "" {
		c.RateLimit.RedisURL = v
	}

	if v := os.Getenv("RIGCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RIGCHAT_LOG_PRETTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Pretty = b
		}
	}
}

// SetDefaults fills zero values left by a partial file.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.Mode == "" {
		c.Server.Mode = d.Server.Mode
	}
	c.Server.Mode = strings.ToLower(c.Server.Mode)
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = d.Storage.UploadDir
	}
	if c.Storage.MaxUploadBytes == 0 {
		c.Storage.MaxUploadBytes = d.Storage.MaxUploadBytes
	}
	if c.Security.SessionCookie == "" {
		c.Security.SessionCookie = d.Security.SessionCookie
	}
	if c.Cloud.BaseURL == "" {
		c.Cloud.BaseURL = d.Cloud.BaseURL
	}
	if c.Cloud.Provider == "" {
		c.Cloud.Provider = d.Cloud.Provider
	}
	if c.Cloud.DefaultModel == "" {
		c.Cloud.DefaultModel = d.Cloud.DefaultModel
	}
	if c.Cloud.AuxModel == "" {
		c.Cloud.AuxModel = d.Cloud.AuxModel
	}
	if c.Cloud.RequestTimeout == 0 {
		c.Cloud.RequestTimeout = d.Cloud.RequestTimeout
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = d.Search.Timeout
	}
	if c.Search.Burst == 0 {
		c.Search.Burst = d.Search.Burst
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = d.RateLimit.Backend
	}
	if c.RateLimit.Prefix == "" {
		c.RateLimit.Prefix = d.RateLimit.Prefix
	}
	if c.RateLimit.BoltPath == "" {
		c.RateLimit.BoltPath = d.RateLimit.BoltPath
	}
	if c.RateLimit.Rules == nil {
		c.RateLimit.Rules = map[string]RuleConfig{}
	}
	for name, rule := range DefaultRules() {
		if _, ok := c.RateLimit.Rules[name]; !ok {
			c.RateLimit.Rules[name] = rule
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration. The encryption key is only checked for
// shape here; secret.NewCodec is the authority at startup.
func (c *Config) Validate() error {
	var errs ValidateErrors

	switch c.Server.Mode {
	case ModeProduction, ModeDevelopment:
	default:
		errs = append(errs, ValidationError{
			Field:   "server.mode",
			Message: fmt.Sprintf("invalid mode '%s', must be one of: production, development", c.Server.Mode),
		})
	}

	for _, cidr := range c.Server.TrustedProxies {
		if !validCIDROrIP(cidr) {
			errs = append(errs, ValidationError{
				Field:   "server.trusted_proxies",
				Message: fmt.Sprintf("invalid CIDR or IP '%s'", cidr),
			})
		}
	}

	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, ValidationError{Field: "server.max_body_bytes", Message: "must not be negative"})
	}

	if key := c.Security.EncryptionKey; key != "" {
		if raw, err := hex.DecodeString(key); err != nil || len(raw) != 32 {
			errs = append(errs, ValidationError{
				Field:   "security.encryption_key",
				Message: "must be 64 hex characters (32 bytes)",
			})
		}
	}

	if !c.IsDevelopment() && c.Security.SessionSecret != "" && len(c.Security.SessionSecret) < 32 {
		errs = append(errs, ValidationError{
			Field:   "security.session_secret",
			Message: "must be at least 32 characters in production",
		})
	}

	if err := validateURL(c.Cloud.BaseURL); err != nil {
		errs = append(errs, ValidationError{Field: "cloud.base_url", Message: err.Error()})
	}
	if c.Cloud.StreamTimeout < 0 {
		errs = append(errs, ValidationError{Field: "cloud.stream_timeout", Message: "must not be negative"})
	}

	if c.Search.Enabled {
		if err := validateURL(c.Search.BaseURL); err != nil {
			errs = append(errs, ValidationError{Field: "search.base_url", Message: err.Error()})
		}
	}
	if c.Search.MaxQPS < 0 {
		errs = append(errs, ValidationError{Field: "search.max_qps", Message: "must not be negative"})
	}

	switch c.RateLimit.Backend {
	case BackendMemory, BackendBolt:
	case BackendRedis:
		if c.RateLimit.RedisURL == "" {
			errs = append(errs, ValidationError{
				Field:   "ratelimit.redis_url",
				Message: "required when backend is redis",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "ratelimit.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: memory, redis, bolt", c.RateLimit.Backend),
		})
	}

	for name, rule := range c.RateLimit.Rules {
		if rule.Tokens <= 0 || rule.Window <= 0 {
			errs = append(errs, ValidationError{
				Field:   "ratelimit.rules." + name,
				Message: "tokens and window must be positive",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme '%s'", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validCIDROrIP(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}
