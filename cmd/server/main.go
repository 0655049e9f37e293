package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"grimoire/internal/app"
	"grimoire/internal/config"
	"grimoire/internal/ratelimit"
	"grimoire/internal/server"
	"grimoire/internal/util"
	"grimoire/pkg/auth"
	"grimoire/pkg/queue"
	"grimoire/pkg/storage"
	"grimoire/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}

	var objects storage.ObjectStore
	switch cfg.StorageDriver {
	case "local":
		objects, err = storage.NewFileStore(cfg.LocalImageDir)
	default:
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	tokens, err := auth.NewTokenSource(cfg.JWTSecret, time.Duration(cfg.TokenTTLHours)*time.Hour)
	if err != nil {
		log.Fatalf("failed to init token source: %v", err)
	}

	jobQueue, err := queue.NewRedisJobQueue(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:             dataStore,
		Objects:           objects,
		Queue:             jobQueue,
		Tokens:            tokens,
		PublicBaseURL:     cfg.PublicBaseURL,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	limiterClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	authLimiter, err := ratelimit.NewFixedWindowLimiter(
		limiterClient,
		"grimoire:authlimit",
		cfg.AuthRateLimit,
		time.Duration(cfg.AuthRateWindowSecond)*time.Second,
	)
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:         appCore,
		AuthLimiter: authLimiter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobQueue.Start(ctx, cfg.WorkerCount, appCore.ProcessCoverJob, appCore.FailCover)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("server listening", "addr", addr, "workers", cfg.WorkerCount)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
