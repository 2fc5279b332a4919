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

	"github.com/consilium-chat/consilium/internal/config"
	"github.com/consilium-chat/consilium/internal/council"
	"github.com/consilium-chat/consilium/internal/db"
	"github.com/consilium-chat/consilium/internal/httpapi"
	"github.com/consilium-chat/consilium/internal/models"
	"github.com/consilium-chat/consilium/internal/ratelimit"
	"github.com/consilium-chat/consilium/internal/store/rabbitmq"
	"github.com/consilium-chat/consilium/internal/store/redisstore"
	"github.com/consilium-chat/consilium/internal/vault"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(
		&models.User{},
		&council.Conversation{},
		&council.Turn{},
		&council.AssistantTurn{},
		&council.Job{},
	); err != nil {
		log.Error("automigrate failed", "err", err)
		os.Exit(1)
	}

	v, err := vault.New(cfg.CredentialKeyHex, vault.Mode(cfg.EncryptionMode), log)
	if err != nil {
		log.Error("vault init failed", "err", err)
		os.Exit(1)
	}

	var limiter ratelimit.Limiter
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rds.Ping(context.Background()); err != nil {
		log.Warn("redis unreachable, using in-process rate limiter", "err", err)
		limiter = ratelimit.NewMemoryLimiter()
	} else {
		limiter = rds
		defer rds.Close()
	}

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Error("rabbit connect failed", "err", err)
		os.Exit(1)
	}
	defer rabbit.Close()

	router := httpapi.NewRouter(gdb, cfg, v, limiter, rabbit, log)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("api shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
}
