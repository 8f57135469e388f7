package main

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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fieldops/config"
	"fieldops/engine"
	"fieldops/livestate"
	"fieldops/messaging"
	"fieldops/store"
	"fieldops/telemetry"
	"fieldops/www"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cfg, newLogger(cfg.Log))
		},
	}
}

func serve(cfg *config.Config, log zerolog.Logger) error {
	shutdownTracing := telemetry.Setup(cfg.Telemetry.ServiceName, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	// Database
	db, err := store.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("database open")

	// Redis
	var cache livestate.Cache
	if cfg.Redis.Address != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		rs := livestate.NewRedisStore(redisClient, 2*cfg.Dispatch.StalenessWindow)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rs.Ping(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("address", cfg.Redis.Address).Msg("redis not available, using in-process read cache")
		} else {
			log.Info().Str("address", cfg.Redis.Address).Msg("redis connected")
			cache = rs
		}
	}
	if cache == nil {
		cache = livestate.NewMemoryStore()
	}

	providers, err := engine.BuildProviders(cfg.Geo, db, log)
	if err != nil {
		return err
	}

	// Messaging client
	var msgClient *messaging.Client
	if cfg.Messaging.Backend != "" && cfg.Messaging.Backend != "none" {
		msgClient = messaging.NewClient(&cfg.Messaging, log)
		if err := msgClient.Connect(); err != nil {
			log.Warn().Err(err).Msg("messaging connect failed, events stay in the outbox")
		} else {
			log.Info().Str("backend", cfg.Messaging.Backend).Msg("messaging connected")
		}
		defer msgClient.Close()
	}

	// Engine
	eng := engine.New(engine.Config{
		AppConfig: cfg,
		DB:        db,
		Providers: providers,
		Cache:     cache,
		MsgClient: msgClient,
		Log:       log,
	})
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = eng.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	// Web server
	handler, stopWeb := www.NewRouter(eng, log)
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(handler, cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("web server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info().Str("version", Version).Msg("ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		stopWeb()
		return fmt.Errorf("web server: %w", err)
	}

	log.Info().Msg("shutting down")
	stopWeb()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("web server shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}
