package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/consilium-chat/consilium/internal/config"
	"github.com/consilium-chat/consilium/internal/council"
	"github.com/consilium-chat/consilium/internal/db"
	"github.com/consilium-chat/consilium/internal/models"
	"github.com/consilium-chat/consilium/internal/ratelimit"
	"github.com/consilium-chat/consilium/internal/store/rabbitmq"
	"github.com/consilium-chat/consilium/internal/store/redisstore"
	"github.com/consilium-chat/consilium/internal/vault"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	repo := council.NewRepo(gdb)
	users := models.NewUserStore(gdb)

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
	}

	gateway := council.NewClient(cfg.GatewayBaseURL, cfg.GatewayHeaderTimeout, cfg.GatewayStreamTimeout, log)
	svc := council.NewService(repo, gateway, v, limiter, users, log, cfg.CouncilRateLimit, cfg.CouncilRateWindow)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Error("rabbit dial failed", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Error("rabbit channel failed", "err", err)
		os.Exit(1)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Error("queue declare failed", "err", err)
		os.Exit(1)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Error("qos failed", "err", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Error("consume failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Warn("bad job message", "worker", workerID, "err", err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := svc.RunJob(ctx, m.JobID); err != nil {
					log.Warn("job failed", "worker", workerID, "job_id", m.JobID, "cost", time.Since(start), "err", err)
					_ = d.Nack(false, false)
					continue
				}
				log.Info("job done", "worker", workerID, "job_id", m.JobID, "cost", time.Since(start))

				if err := d.Ack(false); err != nil {
					log.Warn("ack failed", "worker", workerID, "job_id", m.JobID, "err", err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
