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

	"taskremind/internal/config"
	"taskremind/internal/httpserver"
	"taskremind/internal/scheduler"
	"taskremind/internal/taskapi"
	"taskremind/pkg/circuitbreaker"
	"taskremind/pkg/logger"
	"taskremind/pkg/mq"
	"taskremind/pkg/redis"
	"taskremind/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	interval := time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second
	log.Info("Starting scheduler service...",
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("task_service", cfg.TaskService.BaseURL),
		zap.Duration("interval", interval),
	)

	// Redis (leader lease)
	rdb := redis.NewClient(cfg.Redis)
	defer rdb.Close()

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Task Service client, breaker-guarded so a dead Task Service trips fast
	// instead of eating a full timeout every tick.
	taskClient := taskapi.NewClient(
		cfg.TaskService.BaseURL,
		time.Duration(cfg.TaskService.TimeoutSeconds)*time.Second,
	).WithBreaker(circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()))

	// Lease TTL outlives a couple of missed renewals before failover.
	lease := util.NewLeaderLease(rdb, cfg.Scheduler.LeaderKey, 3*interval, log)

	sched := scheduler.New(taskClient, publisher, lease, interval, log)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go sched.Run(schedCtx)

	// HTTP server: health, metrics, and the cron-substrate trigger endpoint.
	router := httpserver.NewRouter(log, func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		if !publisher.IsConnected() {
			return errors.New("mq publisher disconnected")
		}
		return nil
	})
	router.AttachTrigger(cfg.JWT.Secret, sched.Tick, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Scheduler.Port,
		Handler: router.Engine,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Scheduler.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("scheduler service is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scheduler service gracefully...")

	schedCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	publisher.Close()
	log.Info("scheduler service shutdown complete")
}
