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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/fanout"
	"github.com/suPer8Hu/chat-relay/internal/gateway"
	"github.com/suPer8Hu/chat-relay/internal/httpapi"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	applog "github.com/suPer8Hu/chat-relay/internal/logger"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()
	log := logger(cfg)
	if !cfg.LogDev {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// anything missing at startup is fatal once the retry window is spent
	gdb, err := common.Retry(ctx, log, "database", cfg.StartupTimeout, func() (*gorm.DB, error) {
		return db.Connect(cfg.DBDriver, cfg.DBDSN)
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("database unavailable")
	}
	repo := chat.NewRepo(gdb)

	broker, closeBroker, err := openBroker(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("broker", cfg.Broker).Msg("broker unavailable")
	}
	defer closeBroker()

	checks := map[string]handlers.Check{
		"database": repo.Ping,
		"broker":   broker.Ping,
	}

	var persister chat.Persister = repo
	if cfg.PersistMode == "queue" {
		pub, err := common.Retry(ctx, log, "rabbitmq", cfg.StartupTimeout, func() (*rabbitmq.Publisher, error) {
			return rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		})
		if err != nil {
			log.Fatal().Err(err).Msg("persistence queue unavailable")
		}
		defer pub.Close()
		persister = pub
		checks["queue"] = pub.Ping
	}

	router := fanout.NewRouter(broker, log)
	go func() {
		err := router.Run(ctx)
		if ctx.Err() == nil {
			// an instance without fan-out must not keep accepting connections
			log.Error().Err(err).Msg("fan-out stopped, shutting down")
			stop()
		}
	}()

	gw := gateway.New(router, repo, persister, log, gateway.Options{
		PersistTimeout: cfg.PersistTimeout,
		SessionBuffer:  cfg.SessionBuffer,
	})

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.NewRouter(handlers.Deps{
			Ctx:     ctx,
			Cfg:     cfg,
			Gateway: gw,
			ChatSvc: chat.NewService(repo),
			Checks:  checks,
			Log:     log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("broker", cfg.Broker).
			Str("persist_mode", cfg.PersistMode).
			Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	// websocket connections are hijacked and outlive Shutdown; they close
	// on ctx, give them a moment to release their rooms
	waitSessions(shutdownCtx, gw)
	// in-flight history writes finish before the store goes away
	gw.Shutdown()
	log.Info().Int64("sessions", gw.Sessions()).Msg("bye")
}

func waitSessions(ctx context.Context, gw *gateway.Gateway) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for gw.Sessions() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func logger(cfg config.Config) zerolog.Logger {
	return applog.Setup(cfg.LogDev).With().Str("service", "chat-relay").Logger()
}

// openBroker connects the fan-out broker selected by cfg.Broker.
func openBroker(ctx context.Context, cfg config.Config, log zerolog.Logger) (fanout.Broker, func(), error) {
	switch cfg.Broker {
	case "redis":
		client := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		_, err := common.Retry(ctx, log, "redis", cfg.StartupTimeout, func() (struct{}, error) {
			return struct{}{}, redisstore.Ping(ctx, client)
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		b := redisstore.NewBroker(ctx, client)
		return b, func() {
			_ = b.Close()
			_ = client.Close()
		}, nil

	case "amqp":
		b, err := common.Retry(ctx, log, "rabbitmq", cfg.StartupTimeout, func() (*rabbitmq.Broker, error) {
			return rabbitmq.NewBroker(cfg.RabbitURL, cfg.RabbitExchange)
		})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil

	case "memory":
		log.Warn().Msg("in-process broker: messages do not reach other instances")
		b := fanout.NewHub().NewBroker(0)
		return b, func() { _ = b.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported BROKER=%q", cfg.Broker)
}
