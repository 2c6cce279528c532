package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/suPer8Hu/storefront-support/internal/chat"
	"github.com/suPer8Hu/storefront-support/internal/common"
	"github.com/suPer8Hu/storefront-support/internal/config"
	"github.com/suPer8Hu/storefront-support/internal/db"
	"github.com/suPer8Hu/storefront-support/internal/store/rabbitmq"
	"github.com/suPer8Hu/storefront-support/internal/store/redisstore"
)

func main() {
	concurrency := pflag.Int("concurrency", 0, "number of workers (overrides WORKER_CONCURRENCY)")
	envFile := pflag.String("env-file", "", "env file to load before reading the environment")
	pflag.Parse()

	var cfg config.Config
	if *envFile != "" {
		cfg = config.Load(*envFile)
	} else {
		cfg = config.Load()
	}
	if *concurrency > 0 {
		cfg.WorkerConcurrency = min(*concurrency, 50)
	}

	logger := common.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}

	rds, err := redisstore.New(redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rds.Close()

	// the worker only reads and counts; no change events are published
	repo := chat.NewRepo(gdb, nil, logger)
	svc := chat.NewService(repo,
		chat.WithUnreadCache(rds.UnreadCache()),
		chat.WithLogger(logger),
	)

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitURL,
		Queue:       cfg.RabbitQueue,
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.WorkerMaxAttempts,
		RetryDelay:  5 * time.Second,
	}, logger)
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = consumer.Run(ctx, func(ctx context.Context, job rabbitmq.UnreadRefreshJob) error {
		n, err := svc.RefreshAwaitingReply(ctx, job.ConversationID)
		if errors.Is(err, chat.ErrNotFound) {
			logger.Info("conversation gone, dropping refresh", "conversation_id", job.ConversationID)
			return nil
		}
		if err != nil {
			return err
		}
		logger.Debug("awaiting reply refreshed", "conversation_id", job.ConversationID, "count", n)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker: %v", err)
	}
	logger.Info("worker stopped")
}
