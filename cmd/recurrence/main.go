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
	"taskremind/internal/recurrence"
	"taskremind/internal/taskapi"
	"taskremind/pkg/logger"
	"taskremind/pkg/mq"
	"taskremind/pkg/redis"
	"taskremind/pkg/util"
)

const consumerGroup = "recurrence"

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting recurrence service...",
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("task_service", cfg.TaskService.BaseURL),
	)

	// Redis (retry budget)
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

	retryCounter := util.NewRetryCounter(rdb, 24*time.Hour)

	handler := recurrence.NewTaskCompletedHandler(
		taskClient,
		publisher,
		retryCounter,
		cfg.Recurrence.MaxRetries,
		log,
	)

	// Consumer group on task-events
	consumer, err := mq.NewConsumer(cfg.MQ.URL, mqcontracts.TopicTaskEvents, consumerGroup, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	consumer.SetHandler(handler.Handle)
	consumer.SetHandlerTimeout(time.Duration(cfg.Recurrence.HandlerTimeoutSeconds) * time.Second)

	go func() {
		log.Info("Starting task-events consumer...")
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Task-events consumer failed", zap.Error(err))
		}
	}()

	// HTTP server (health checks + metrics)
	router := httpserver.NewRouter(log, func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		if !publisher.IsConnected() {
			return errors.New("mq publisher disconnected")
		}
		return nil
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Recurrence.Port,
		Handler: router.Engine,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Recurrence.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("recurrence service is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down recurrence service gracefully...")

	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	publisher.Close()
	log.Info("recurrence service shutdown complete")
}
