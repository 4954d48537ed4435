package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	mqcontracts "taskremind/contracts/mq"
	"taskremind/internal/config"
	"taskremind/internal/httpserver"
	"taskremind/internal/notifier"
	"taskremind/internal/taskapi"
	"taskremind/pkg/db"
	"taskremind/pkg/logger"
	"taskremind/pkg/mq"
	"taskremind/pkg/redis"
	"taskremind/pkg/util"
)

const consumerGroup = "notifier"

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting notifier service...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("task_service", cfg.TaskService.BaseURL),
	)

	// DB (push subscription store)
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis (dedup + retry budget)
	rdb := redis.NewClient(cfg.Redis)
	defer rdb.Close()

	// MQ Publisher (task-updates fan-out + DLQ)
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Task Service client
	taskClient := taskapi.NewClient(
		cfg.TaskService.BaseURL,
		time.Duration(cfg.TaskService.TimeoutSeconds)*time.Second,
	)

	subsRepo := notifier.NewSubscriptionRepository(dbConn, log)
	sender := notifier.NewWebPushSender(
		cfg.Notifier.VAPID.Subscriber,
		cfg.Notifier.VAPID.PublicKey,
		cfg.Notifier.VAPID.PrivateKey,
		cfg.Notifier.VAPID.TTLSeconds,
		log,
	)

	dedupTTL := time.Duration(cfg.Notifier.DedupTTLMinutes) * time.Minute
	deduper := util.NewDeduperWithLogger(rdb, dedupTTL, log)
	retryCounter := util.NewRetryCounter(rdb, 24*time.Hour)

	handler := notifier.NewReminderHandler(
		taskClient,
		subsRepo,
		sender,
		deduper,
		retryCounter,
		publisher,
		cfg.Notifier.MaxRetries,
		log,
	)

	// Consumer group on reminders
	consumer, err := mq.NewConsumer(cfg.MQ.URL, mqcontracts.TopicReminders, consumerGroup, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	consumer.SetHandler(handler.Handle)
	consumer.SetHandlerTimeout(time.Duration(cfg.Notifier.HandlerTimeoutSeconds) * time.Second)

	go func() {
		log.Info("Starting reminders consumer...")
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Reminders consumer failed", zap.Error(err))
		}
	}()

	// HTTP server: health, metrics, subscription registration.
	router := httpserver.NewRouter(log, func(ctx context.Context) error {
		if err := dbConn.Ping(ctx); err != nil {
			return err
		}
		if !publisher.IsConnected() {
			return errors.New("mq publisher disconnected")
		}
		return nil
	})
	notifier.RegisterRoutes(router, subsRepo, cfg.JWT.Secret, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Notifier.Port,
		Handler: router.Engine,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Notifier.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("notifier service is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down notifier service gracefully...")

	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	publisher.Close()
	dbConn.Close()
	log.Info("notifier service shutdown complete")
}
