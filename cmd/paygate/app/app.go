// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the paygate components together and runs the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/walker77/paygate-mcp-sub009/pkg/api"
	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/config"
	"github.com/walker77/paygate-mcp-sub009/pkg/gate"
	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
	"github.com/walker77/paygate-mcp-sub009/pkg/oauth"
	"github.com/walker77/paygate-mcp-sub009/pkg/proxy"
	"github.com/walker77/paygate-mcp-sub009/pkg/quota"
	"github.com/walker77/paygate-mcp-sub009/pkg/ratelimit"
	"github.com/walker77/paygate-mcp-sub009/pkg/session"
	"github.com/walker77/paygate-mcp-sub009/pkg/state"
	"github.com/walker77/paygate-mcp-sub009/pkg/upstream"
	"github.com/walker77/paygate-mcp-sub009/pkg/versions"
	"github.com/walker77/paygate-mcp-sub009/pkg/webhook"
)

// Exit codes.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

// shutdownGrace bounds the in-flight request drain on shutdown.
const shutdownGrace = 15 * time.Second

// configError marks a failure attributable to configuration.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// Run executes the CLI and returns the process exit code.
func Run() int {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "paygate",
		Short:        "Payment-gated MCP reverse proxy",
		Version:      versions.GetVersionInfo().Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			logger.Errorf("Configuration error: %v", err)
			return exitConfig
		}
		logger.Errorf("Runtime error: %v", err)
		return exitRuntime
	}
	return exitOK
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err}
	}
	// A config file can also turn debug logging on; rebuild the logger once
	// the file has been read.
	if cfg.Debug && !viper.GetBool("debug") {
		viper.Set("debug", true)
		logger.Initialize()
	}

	// Persistence.
	store := state.NewStore(cfg.StatePath)
	if err := store.Load(); err != nil {
		return &configError{fmt.Errorf("failed to load state: %w", err)}
	}
	defer store.Close()

	// Core components.
	keys := keystore.NewStore(keystore.WithPersistence(store))
	auditor := audit.NewLogger()
	quotas := quota.NewMeter(nil)

	counter := ratelimit.Counter(ratelimit.NewMemoryCounter(ratelimit.DefaultMaxSubjects))
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return &configError{fmt.Errorf("invalid redis_url: %w", err)}
		}
		counter = ratelimit.NewRedisCounter(redis.NewClient(redisOpts))
	}

	g := gate.New(keys, counter, quotas, auditor, gate.Config{
		DefaultPrice:     cfg.DefaultPrice,
		GlobalRateLimit:  cfg.GlobalRateLimit,
		GlobalRateWindow: cfg.GlobalRateWindow,
		ShadowMode:       cfg.ShadowMode,
	})

	hooks := webhook.NewRouter(webhook.Options{
		DefaultURL:      cfg.Webhook.DefaultURL,
		DefaultSecret:   cfg.Webhook.DefaultSecret,
		MaxRetries:      cfg.Webhook.MaxRetries,
		Timeout:         cfg.Webhook.Timeout,
		QueueSize:       cfg.Webhook.QueueSize,
		DeadLetterSize:  cfg.Webhook.DeadLetterSize,
		RatePerSecond:   cfg.Webhook.RatePerSecond,
		AllowPrivateIPs: cfg.Webhook.AllowPrivateIPs,
	})
	defer hooks.Close()

	tokens := oauth.NewServer(oauth.WithPersistence(store))
	defer tokens.Stop()

	sessions := session.NewManager(cfg.SessionTimeout, session.WithMaxSessions(cfg.MaxSessions))
	defer sessions.Stop()

	up, err := buildUpstream(cfg, sessions)
	if err != nil {
		return &configError{err}
	}
	defer up.Close()

	metrics := api.NewMetrics()
	metrics.Keys(keys.Count())

	mcp := proxy.NewHandler(g, tokens, sessions, up, hooks, auditor, metrics, proxy.Options{
		RefundOnFailure:      cfg.RefundOnFailure,
		UpstreamTimeout:      cfg.UpstreamTimeout,
		SessionRatePerMinute: cfg.SessionRatePerMinute,
	})

	issuer := fmt.Sprintf("http://%s", cfg.ListenAddr())
	srv := api.NewServer(keys, g, quotas, hooks, tokens, auditor, mcp, metrics, api.Options{
		AdminKey: cfg.AdminKey,
		Issuer:   issuer,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("paygate %s listening on %s", versions.GetVersionInfo().Version, cfg.ListenAddr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// Audit retention pruning on a coarse tick; the other sweeps (session
	// expiry, OAuth cleanup) run inside their owners.
	group.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				auditor.Prune()
			case <-ctx.Done():
				return nil
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// buildUpstream creates the configured upstream transport. Stdio upstream
// notifications are fanned out to every live session's SSE channel.
func buildUpstream(cfg *config.Config, sessions *session.Manager) (upstream.Transport, error) {
	switch cfg.Upstream.Type {
	case "http":
		return upstream.NewHTTPTransport(cfg.Upstream.URL,
			upstream.WithHTTPTimeout(cfg.UpstreamTimeout)), nil
	case "stdio":
		return upstream.NewStdioTransport(cfg.Upstream.Command, cfg.Upstream.Args,
			upstream.WithNotificationHandler(func(frame []byte) {
				sessions.Broadcast(frame)
			}))
	default:
		return nil, fmt.Errorf("unknown upstream type %q", cfg.Upstream.Type)
	}
}
