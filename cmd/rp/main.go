// Package main is the entry point for the simple-rp relying party.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-rp/internal/auth"
	"github.com/tendant/simple-rp/internal/config"
	rphttp "github.com/tendant/simple-rp/internal/http"
	"github.com/tendant/simple-rp/internal/oidc"
	"github.com/tendant/simple-rp/internal/store"
	"github.com/tendant/simple-rp/internal/store/memory"
	"github.com/tendant/simple-rp/internal/store/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("loaded config", "config", cfg.String())
	if cfg.CookieSecretGenerated {
		logger.Warn("RP_COOKIE_SECRET not set, using a random secret; sessions will not survive a restart")
	}

	ctx := context.Background()

	// Initialize state and session store
	st, readiness, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	logger.Info("initialized store", "type", cfg.StateStore)

	client, err := oidc.NewClient(oidc.Config{
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
		RedirectURI:      cfg.RedirectURI,
		Issuer:           cfg.IssuerURL,
		DiscoveryURL:     cfg.DiscoveryURL,
		Scopes:           cfg.Scopes,
		Prompt:           cfg.Prompt,
		AllowedAlgs:      cfg.AllowedAlgs,
		ClockSkew:        cfg.ClockSkew,
		StateTTL:         cfg.StateTTL,
		HTTPTimeout:      cfg.HTTPTimeout,
		MetadataCacheTTL: cfg.MetadataCacheTTL,
		JWKSCacheTTL:     cfg.JWKSCacheTTL,
	}, st.States(), oidc.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create oidc client", "error", err)
		os.Exit(1)
	}

	// Warm the metadata cache; a provider that is down now is retried on
	// the first login.
	if _, err := client.Resolve(ctx); err != nil {
		logger.Warn("provider metadata not available yet", "error", err)
	}

	lockout := auth.NewLockoutService(cfg.CallbackMaxFailures, cfg.CallbackLockout)
	authService := auth.NewService(
		auth.NewSessionService(st.Sessions(), cfg.CookieSecret,
			auth.WithCookieSecure(cfg.CookieSecure),
			auth.WithSessionTTL(cfg.SessionTTL),
		),
		auth.NewBindingService(cfg.CookieSecret, cfg.StateTTL, cfg.CookieSecure, ""),
		auth.WithLogger(logger),
		auth.WithLockout(lockout),
	)

	callbackPath, _ := cfg.CallbackPath()

	serverOpts := []rphttp.Option{
		rphttp.WithLogger(logger),
		rphttp.WithReadinessCheck("provider", func(ctx context.Context) error {
			_, err := client.Resolve(ctx)
			return err
		}),
	}
	if readiness != nil {
		serverOpts = append(serverOpts, rphttp.WithReadinessCheck("store", readiness))
	}

	// Create HTTP server
	server := rphttp.NewServer(cfg.Addr(), serverOpts...)
	rphttp.NewLoginHandler(client, authService, logger).Register(server.Router(), rphttp.RouteConfig{
		CallbackPath: callbackPath,
		RateLimit:    cfg.LoginRateLimit,
	})

	// Forget stale lockout entries
	stop := make(chan struct{})
	go func() {
		if !lockout.Enabled() || cfg.CallbackLockout <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.CallbackLockout)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := lockout.Cleanup(); n > 0 {
					logger.Debug("cleaned up lockout entries", "count", n)
				}
			case <-stop:
				return
			}
		}
	}()

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("server started", "addr", cfg.Addr(), "issuer", cfg.IssuerURL, "callback", callbackPath)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	close(stop)

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// openStore opens the configured store and, where it has one, its
// readiness check.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, rphttp.ReadinessCheck, error) {
	switch cfg.StateStore {
	case "redis":
		s, err := redis.NewStore(ctx, redis.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, redis.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Ping, nil
	default:
		return memory.NewStore(
			memory.WithLogger(logger),
			memory.WithCleanupInterval(cfg.StateCleanupInterval),
		), nil, nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
