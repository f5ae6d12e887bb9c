package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/produce-export/backend/internal/config"
	"github.com/produce-export/backend/internal/db"
	"github.com/produce-export/backend/internal/events"
	"github.com/produce-export/backend/internal/services"
	"go.uber.org/zap"
)

// notify-bridge subscribes to escrow events on Redis and forwards them to the
// marketplace notification service.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	if cfg.NotifyURL == "" {
		log.Fatal("NOTIFY_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	if rdb == nil {
		log.Fatal("REDIS_URL is required")
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	client := services.NewNotifyClient(cfg.NotifyURL, log)

	err = subscriber.Subscribe(ctx, events.StreamEscrow, func(event events.Event) {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.NotifyEscrowEvent(sendCtx, event); err != nil {
			log.Warn("failed to forward notification", zap.String("type", event.Type), zap.Error(err))
		}
	})
	if err != nil {
		log.Fatal("subscribe failed", zap.Error(err))
	}

	log.Info("notify-bridge started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down notify-bridge")
	cancel()
}
