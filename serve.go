// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/auth"
	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/cli"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/ratelimit"
	"github.com/jeranaias/rigchat/internal/search"
	"github.com/jeranaias/rigchat/internal/secret"
	"github.com/jeranaias/rigchat/internal/server"
	"github.com/jeranaias/rigchat/internal/storage"
	"github.com/jeranaias/rigchat/internal/store"
)

// runServe loads configuration, wires every component and serves until
// SIGINT or SIGTERM.
func runServe(raw []string) error {
	args := cli.NewArgParser(raw)
	path := config.ResolvePath(args.Flag("config"))

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Key material first: a bad key must stop startup before anything
	// touches stored credentials.
	codec, err := secret.NewCodec(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("security.encryption_key: %w", err)
	}
	authenticator, err := auth.NewJWTAuthenticator(cfg.Security.SessionSecret, cfg.Security.SessionCookie, cfg.Security.SessionIssuer)
	if err != nil {
		return fmt.Errorf("security.session_secret: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	files, err := storage.NewFileStore(cfg.Storage.UploadDir, cfg.Storage.MaxUploadBytes)
	if err != nil {
		return err
	}

	m := metrics.New()

	limiter, closeLimiter, err := newLimiter(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	proxies, err := ratelimit.ParseProxyList(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	// A nil interface, not a nil *search.Client, disables the search phase.
	var searcher search.Searcher
	if cfg.Search.Enabled && cfg.Search.BaseURL != "" {
		searcher = search.NewClient(cfg.Search.BaseURL, search.Options{
			Timeout: cfg.Search.Timeout,
			MaxQPS:  cfg.Search.MaxQPS,
			Burst:   cfg.Search.Burst,
		})
	}

	streamer := chat.NewStreamer(st, searcher, chat.StreamerOptions{
		AuxModel: cfg.Cloud.AuxModel,
		Timeout:  cfg.Cloud.StreamTimeout,
		Metrics:  m,
		Logger:   logging.Component(logger, "stream"),
	})

	cloudLogger := logging.Component(logger, "cloud")
	providers := func(apiKey string) chat.Provider {
		return cloud.NewOpenRouterClient(apiKey).
			WithBaseURL(cfg.Cloud.BaseURL).
			WithSiteURL(cfg.Cloud.SiteURL).
			WithSiteName(cfg.Cloud.SiteName).
			WithTimeout(cfg.Cloud.RequestTimeout).
			WithLogger(cloudLogger)
	}

	gateway := chat.NewGateway(st, codec, providers, streamer, chat.GatewayOptions{
		DefaultModel: cfg.Cloud.DefaultModel,
		Provider:     cfg.Cloud.Provider,
		Logger:       logging.Component(logger, "gateway"),
	})

	srv := server.New(cfg.Server, server.Deps{
		Store:   st,
		Files:   files,
		Codec:   codec,
		Gateway: gateway,
		Auth:    authenticator,
		Limiter: limiter,
		Proxies: proxies,
		Metrics: m,
		Logger:  logger,
	})

	// Rate-limit rules follow the config file without a restart.
	if path != "" {
		w, err := config.NewWatcher(path, 0, func(next *config.Config) {
			limiter.SetRules(limiterRules(next))
			logger.Info().Int("rules", len(next.RateLimit.Rules)).Msg("rate limit rules reloaded")
		}, logging.Component(logger, "config"))
		if err != nil {
			logger.Warn().Err(err).Msg("config reload disabled")
		} else {
			go w.Run(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return <-errCh
}

// newLimiter builds the rate limiter on the configured counter store. The
// returned func releases the store.
func newLimiter(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*ratelimit.Limiter, func(), error) {
	opts := []ratelimit.Option{
		ratelimit.WithDisabled(cfg.IsDevelopment()),
		ratelimit.WithLogger(logging.Component(logger, "ratelimit")),
		ratelimit.WithDenyHook(m.RecordRateLimited),
	}
	rules := limiterRules(cfg)

	if cfg.RateLimit.Backend == config.BackendRedis && !cfg.IsDevelopment() {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := ratelimit.DialRedis(dialCtx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		counters := ratelimit.NewRedisStore(client, cfg.RateLimit.Prefix)
		return ratelimit.New(counters, rules, opts...), func() { client.Close() }, nil
	}

	if cfg.RateLimit.Backend == config.BackendBolt && !cfg.IsDevelopment() {
		counters, err := ratelimit.OpenBoltStore(cfg.RateLimit.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return ratelimit.New(counters, rules, opts...), func() { counters.Close() }, nil
	}

	counters := ratelimit.NewMemoryStore(time.Minute)
	return ratelimit.New(counters, rules, opts...), func() { counters.Close() }, nil
}

func limiterRules(cfg *config.Config) map[string]ratelimit.Rule {
	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimit.Rules))
	for name, r := range cfg.RateLimit.Rules {
		rules[name] = ratelimit.Rule{Tokens: r.Tokens, Window: r.Window}
	}
	return rules
}
