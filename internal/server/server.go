// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/auth"
	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/ratelimit"
	"github.com/jeranaias/rigchat/internal/secret"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/store"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// Version is the server version.
	Version = "0.3.0"

	// MaxMessageCount is the maximum number of messages in a chat request.
	MaxMessageCount = 200

	// multipartMemory is how much of a multipart form is held in memory.
	multipartMemory = 8 << 20

	internalErrorMessage = "Internal server error"
)

// Rate-limit rule names used by the routes.
const (
	RuleChat   = "chat"
	RuleKeys   = "keys"
	RuleUpload = "upload"
)

// ============================================================================
// SERVER
// ============================================================================

// Deps are the collaborators a Server routes to.
type Deps struct {
	Store   *store.Store
	Files   *storage.FileStore
	Codec   *secret.Codec
	Gateway *chat.Gateway
	Auth    auth.Authenticator
	Limiter *ratelimit.Limiter
	Proxies *ratelimit.ProxyList
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Server is the rigchat HTTP API.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger zerolog.Logger

	mux     *http.ServeMux
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
}

// New creates a Server. Routes are registered immediately; call Start to
// listen or use Handler directly.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.Default().Server.MaxBodyBytes
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.Component(deps.Logger, "server"),
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()

	s.handler = Chain(
		RecoveryMiddleware(s.logger),
		AccessLogMiddleware(s.logger, deps.Metrics),
		SecurityHeadersMiddleware(),
		CORSMiddleware(DefaultCORSConfig(cfg.CORSOrigins)),
	)(s.mux)
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	s.mux.Handle("POST /api/v1/chat", s.protect(RuleChat, s.handleChat))
	s.mux.Handle("POST /api/v1/chat/{id}", s.protect(RuleChat, s.handleChat))
	s.mux.Handle("GET /api/v1/chat/{id}", s.protect("", s.handleGetChat))
	s.mux.Handle("GET /api/v1/chat/{id}/export", s.protect("", s.handleExportChat))
	s.mux.Handle("DELETE /api/v1/chat/{id}", s.protect("", s.handleDeleteChat))
	s.mux.Handle("GET /api/v1/chats", s.protect("", s.handleListChats))
	s.mux.Handle("POST /api/v1/chat/{id}/files", s.protect(RuleUpload, s.handleUpload))

	s.mux.Handle("POST /api/keys", s.protect(RuleKeys, s.handlePutKey))
	s.mux.Handle("GET /api/keys", s.protect("", s.handleListKeys))
	s.mux.Handle("DELETE /api/keys", s.protect(RuleKeys, s.handleDeleteKey))

	s.mux.Handle("GET /api/v1/account", s.protect("", s.handleAccount))
}

// protect wraps h with the named rate-limit rule (when rule is non-empty)
// and session authentication.
func (s *Server) protect(rule string, h http.HandlerFunc) http.Handler {
	var handler http.Handler = auth.Middleware(s.deps.Auth, s.denyUnauthenticated)(h)
	if rule != "" && s.deps.Limiter != nil {
		handler = s.deps.Limiter.Middleware(rule, s.deps.Proxies)(handler)
	}
	return handler
}

func (s *Server) denyUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	l := logging.FromContext(r.Context(), s.logger)
	l.Debug().Err(err).Msg("authentication failed")
	writeError(w, http.StatusUnauthorized, "Unauthorized")
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			l := logging.FromContext(r.Context(), s.logger)
			l.Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("version", Version).Msg("server starting")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. In-flight streams are given
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info().Msg("server shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeErr maps err onto a status and a client-safe message. Unmapped
// errors are logged and reported as a bare 500.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	l := logging.FromContext(r.Context(), s.logger)
	if status == http.StatusInternalServerError {
		l.Error().Err(err).Msg("request failed")
	} else {
		l.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	var (
		verr   *chat.ValidationError
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Message
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, chat.ErrCredentialMissing):
		return http.StatusUnauthorized, "API key not found"
	case errors.Is(err, chat.ErrUnauthenticated), errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, storage.ErrFileNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, chat.ErrConflict):
		return http.StatusConflict, "A reply is already being generated for this chat"
	case errors.Is(err, cloud.ErrUnknownProvider):
		return http.StatusBadRequest, "Invalid key type"
	case errors.Is(err, cloud.ErrInvalidAPIKey):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, storage.ErrTooLarge), errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge, "Request body too large"
	}
	return http.StatusInternalServerError, internalErrorMessage
}

// requestUser returns the user placed on the context by auth.Middleware.
func requestUser(r *http.Request) *auth.User {
	u, _ := auth.UserFromContext(r.Context())
	return u
}
