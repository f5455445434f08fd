package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/config"
	"roomchat/internal/db"
	clog "roomchat/internal/log"
	"roomchat/internal/mail"
	"roomchat/internal/server"
	"roomchat/internal/ws"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// .env 只在本地开发时存在，缺失不算错误。
	_ = godotenv.Load()

	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	registry := ws.NewRegistry()
	deps := server.Deps{Config: cfg, DB: gdb, Registry: registry}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	// RabbitMQ 不可用时注册仍可用，只是不发欢迎邮件。
	var publisher *mail.Publisher
	if p, err := mail.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Warn().Err(err).Msg("email queue unavailable, welcome mails disabled")
	} else {
		publisher = p
		enqueuer := mail.NewEnqueuer(publisher, mail.NewRedisResults(rdb, cfg.TaskResultTTL))
		deps.Mailer = enqueuer
		deps.Tasks = enqueuer
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	// 被劫持的 WebSocket 连接不受 Shutdown 管理，需要单独关闭。
	registry.Close()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("close email publisher")
		}
	}
	log.Info().Msg("server stopped")
}
