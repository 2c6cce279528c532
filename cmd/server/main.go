package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/suPer8Hu/storefront-support/internal/chat"
	"github.com/suPer8Hu/storefront-support/internal/common"
	"github.com/suPer8Hu/storefront-support/internal/config"
	"github.com/suPer8Hu/storefront-support/internal/db"
	"github.com/suPer8Hu/storefront-support/internal/httpapi"
	"github.com/suPer8Hu/storefront-support/internal/store/rabbitmq"
	"github.com/suPer8Hu/storefront-support/internal/store/redisstore"
)

func main() {
	addr := pflag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	envFile := pflag.String("env-file", "", "env file to load before reading the environment")
	migrate := pflag.Bool("migrate", true, "run schema migrations on startup")
	pflag.Parse()

	var cfg config.Config
	if *envFile != "" {
		cfg = config.Load(*envFile)
	} else {
		cfg = config.Load()
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := common.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if *migrate {
		if err := db.Migrate(gdb); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	var (
		bus  chat.ChangeBus
		opts = []chat.Option{chat.WithLogger(logger)}
	)
	rds, err := redisstore.New(redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	switch {
	case err == nil:
		defer rds.Close()
		opts = append(opts, chat.WithUnreadCache(rds.UnreadCache()))
	case cfg.ChangeBus == "redis":
		log.Fatalf("redis: %v", err)
	default:
		logger.Warn("redis unavailable, unread summary served from the database", "err", err)
	}

	if cfg.ChangeBus == "redis" {
		bus = rds.Bus(logger)
	} else {
		mem := chat.NewMemoryBus()
		defer mem.Close()
		bus = mem
		logger.Info("using in-process change bus")
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Warn("rabbitmq unavailable, unread refresh jobs disabled", "err", err)
	} else {
		defer pub.Close()
		opts = append(opts, chat.WithJobPublisher(pub))
	}

	repo := chat.NewRepo(gdb, bus, logger)
	svc := chat.NewService(repo, opts...)
	sub := chat.NewSubscriber(bus, logger)

	r := httpapi.NewRouter(cfg, svc, sub, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
}
