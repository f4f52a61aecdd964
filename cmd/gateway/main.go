// Command gateway runs the switchboard HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peregrinehq/switchboard"
	"github.com/peregrinehq/switchboard/internal/admission"
	"github.com/peregrinehq/switchboard/internal/config"
	"github.com/peregrinehq/switchboard/internal/observability"
	"github.com/peregrinehq/switchboard/internal/secret"
	envsecret "github.com/peregrinehq/switchboard/internal/secret/env"
	vaultsecret "github.com/peregrinehq/switchboard/internal/secret/vault"
	"github.com/peregrinehq/switchboard/internal/store"
	"github.com/peregrinehq/switchboard/pkg/adapter"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	logJSON := flag.Bool("log-json", true, "log in JSON format")
	logDebug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *logDebug {
		level = slog.LevelDebug
	}
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		JSONFormat: *logJSON,
	})
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewManager(configPath, logger)
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Telemetry.OTLPEndpoint != "",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRatio,
		Insecure:    true,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	secrets := secret.NewResolver()
	secrets.Register("env", envsecret.New())
	if cfg.Vault.Address != "" {
		vp, err := vaultsecret.New(vaultsecret.Config{
			Address:  cfg.Vault.Address,
			Token:    cfg.Vault.Token,
			RoleID:   cfg.Vault.RoleID,
			SecretID: cfg.Vault.SecretID,
		})
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		secrets.Register("vault", secret.NewCachedProvider(vp, 5*time.Minute))
	}
	defer secrets.Close()

	opts := []switchboard.Option{
		switchboard.WithLogger(logger),
		switchboard.WithSecretResolver(secrets),
		switchboard.WithQuotaLimits(admission.Limits{
			Window:      cfg.Quota.Window,
			MaxRequests: cfg.Quota.MaxRequests,
			MaxTokens:   cfg.Quota.MaxTokens,
		}),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts = append(opts, switchboard.WithQuotaStore(admission.NewRedisQuotaStore(rdb, "")))
	}
	if cfg.Postgres.DSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		opts = append(opts, switchboard.WithStore(pg))
	}

	gw, err := switchboard.New(opts...)
	if err != nil {
		return err
	}

	if err := registerProviders(ctx, gw, cfg); err != nil {
		return err
	}
	mgr.OnChange(func(next *config.Config) {
		if err := registerProviders(context.Background(), gw, next); err != nil {
			logger.Error("apply reloaded providers", "error", err)
			return
		}
		keep := make(map[string]bool, len(next.Providers))
		for _, p := range next.Providers {
			keep[p.Name] = true
		}
		for _, name := range gw.Providers() {
			if !keep[name] {
				gw.RemoveProvider(name)
			}
		}
	})
	if err := mgr.Watch(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     newHandler(gw, logger),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return gw.Close(shutdownCtx)
}

func registerProviders(ctx context.Context, gw *switchboard.Gateway, cfg *config.Config) error {
	for _, p := range cfg.Providers {
		d := &adapter.Descriptor{
			Name:          p.Name,
			Type:          p.Type,
			BaseURL:       p.BaseURL,
			APIKey:        p.APIKey,
			AuthHeader:    p.AuthHeader,
			Headers:       p.Headers,
			Models:        p.Models,
			ModelMap:      p.ModelMap,
			Cost:          adapter.CostTable{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K},
			MaxConcurrent: p.MaxConcurrent,
			DispatchRPS:   p.DispatchRPS,
			Timeout:       p.Timeout,
			Framing:       adapter.Framing(p.Framing),
		}
		switch {
		case p.AuthScheme != "":
			d.AuthScheme = adapter.AuthScheme(p.AuthScheme)
		case p.AuthHeader != "":
			d.AuthScheme = adapter.AuthHeader
		}
		if err := gw.RegisterProvider(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
