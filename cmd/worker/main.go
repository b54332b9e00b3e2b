package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/logger"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"gorm.io/gorm"
)

// The worker drains the persistence queue filled by relay instances running
// with PERSIST_MODE=queue.
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogDev).With().Str("service", "chat-relay-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := common.Retry(ctx, log, "database", cfg.StartupTimeout, func() (*gorm.DB, error) {
		return db.Connect(cfg.DBDriver, cfg.DBDSN)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	repo := chat.NewRepo(gdb)

	consumer, err := common.Retry(ctx, log, "rabbitmq", cfg.StartupTimeout, func() (*rabbitmq.Consumer, error) {
		return rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, repo, log)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq unavailable")
	}
	defer consumer.Close()

	if err := consumer.Run(ctx); err != nil {
		log.Error().Err(err).Msg("consumer stopped")
		// non-zero exit
		consumer.Close()
		os.Exit(1)
	}
	log.Info().Msg("worker stopped")
}
