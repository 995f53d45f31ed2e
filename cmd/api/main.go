package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatesg/api/internal/app"
	"chatesg/api/internal/archive"
	"chatesg/api/internal/config"
	"chatesg/api/internal/notify"
	"chatesg/api/internal/rolecache"
	"chatesg/api/internal/search"
	"chatesg/api/internal/store"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "chatesg-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, store.PoolConfig{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpen,
		MaxIdleConns: cfg.DBMaxIdle,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("migrations", applied).Msg("applied migrations")
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Dependencies{Logger: logger}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		roleCache, err := rolecache.NewRedisCache(cfg.RedisURL, dataStore, cfg.RoleCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer roleCache.Close()
		bus := notify.NewRedisBus(roleCache.Client())
		deps.Roles = roleCache
		deps.Events = bus
		deps.Stream = bus
		logger.Info().Msg("using redis for role cache and event stream")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	deps.Search = searchService
	go searchService.ReindexAllFromPG(ctx)

	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create archive dir")
		}
		deps.Archive = archive.New(cfg.ArchiveDir)
	}

	service := app.New(cfg, dataStore, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("ChatESG API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
