package scheduler

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	mqcontracts "taskremind/contracts/mq"
	"taskremind/internal/taskapi"
	"taskremind/pkg/logger"
	"taskremind/pkg/metrics"
	"taskremind/pkg/trace"
)

// TaskAPI is the slice of the Task Service client the scheduler needs.
type TaskAPI interface {
	CheckDueReminders(ctx context.Context) ([]taskapi.DueReminder, error)
}

// Publisher is the slice of the event bus publisher the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Leader gates publishing to a single active scheduler instance.
type Leader interface {
	TryAcquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// Scheduler queries the Task Service for elapsed, unsent reminders on a fixed
// cadence and publishes one ReminderEvent per due task. It never flips
// reminder_sent itself; that belongs to the notifier after confirmed delivery,
// so an unsent reminder is found again on the next tick no matter which step
// failed in between.
type Scheduler struct {
	taskAPI     TaskAPI
	publisher   Publisher
	leader      Leader
	interval    time.Duration
	tickTimeout time.Duration
	logger      *zap.Logger

	// ticking guards against overlap: a slow tick causes the next one to be
	// skipped, never stacked.
	ticking atomic.Bool
}

func New(taskAPI TaskAPI, publisher Publisher, leader Leader, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		taskAPI:     taskAPI,
		publisher:   publisher,
		leader:      leader,
		interval:    interval,
		tickTimeout: interval,
		logger:      log,
	}
}

// Run blocks, ticking at the configured interval until the context is
// cancelled. The first tick runs immediately on startup.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Starting reminder scheduler",
		zap.Duration("interval", s.interval),
	)

	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.leader.Release(context.Background())
			s.logger.Info("Reminder scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one due-reminder sweep. It is also the entry point for the HTTP
// trigger, so it must be safe to call concurrently with the timer loop.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("Previous tick still running, skipping this one")
		return
	}
	defer s.ticking.Store(false)

	// A stuck Task Service query must not delay later ticks indefinitely.
	tickCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()
	tickCtx = trace.WithContext(tickCtx, trace.GenerateTraceID())

	log := logger.WithTrace(tickCtx, s.logger)

	if !s.leader.TryAcquire(tickCtx) {
		log.Debug("Not the scheduler leader, standing down this tick")
		return
	}

	start := time.Now()
	defer func() {
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := s.taskAPI.CheckDueReminders(tickCtx)
	if err != nil {
		// Skip the tick; unsent reminders stay unsent and are found again.
		log.Error("Due-reminder query failed, skipping tick", zap.Error(err))
		return
	}

	if len(due) == 0 {
		log.Debug("No due reminders this tick")
		return
	}

	published := 0
	for _, task := range due {
		payload := mqcontracts.ReminderEventPayload{
			Version:           mqcontracts.EnvelopeVersion,
			TaskID:            task.TaskID,
			UserID:            task.UserID,
			Title:             task.Title,
			ReminderAt:        task.ReminderAt,
			PushSubscriptions: task.PushSubscriptions,
		}

		if err := s.publisher.Publish(tickCtx, mqcontracts.TopicReminders, strconv.Itoa(task.TaskID), payload); err != nil {
			// Per-task isolation: one failed publish never blocks the rest
			// of the batch, and the task is republished next tick anyway.
			log.Error("Failed to publish reminder event",
				zap.Int("task_id", task.TaskID),
				zap.Error(err),
			)
			metrics.IncrementReminderPublished("publish_error")
			continue
		}

		published++
		metrics.IncrementReminderPublished("ok")
		log.Info("Published reminder event",
			zap.Int("task_id", task.TaskID),
			zap.Time("reminder_at", task.ReminderAt),
		)
	}

	log.Info("Reminder tick completed",
		zap.Int("due_count", len(due)),
		zap.Int("published", published),
	)
}
