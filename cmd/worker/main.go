package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"roomchat/internal/config"
	clog "roomchat/internal/log"
	"roomchat/internal/mail"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	logger := clog.Component("email-worker")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, task results will not be recorded until it recovers")
	}

	// 发布与消费共用一个连接，各占一个 channel。
	pub, err := mail.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit connect")
	}
	defer pub.Close()

	ch, err := pub.OpenChannel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	sender := mail.NewSimulatedSender(cfg.EmailFailureRate, cfg.EmailSendDelay)
	proc := mail.NewProcessor(sender, mail.NewRedisResults(rdb, cfg.TaskResultTTL), pub, cfg.EmailMaxRetries, logger)

	logger.Info().
		Str("queue", cfg.RabbitQueue).
		Int("concurrency", cfg.WorkerConcurrency).
		Int("max_retries", cfg.EmailMaxRetries).
		Msg("worker started")
	if err := mail.Consume(ctx, ch, cfg.RabbitQueue, cfg.WorkerConcurrency, proc, logger); err != nil {
		log.Fatal().Err(err).Msg("consume")
	}
	logger.Info().Msg("worker stopped")
}
