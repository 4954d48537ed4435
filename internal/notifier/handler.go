package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	mqcontracts "taskremind/contracts/mq"
	"taskremind/internal/taskapi"
	"taskremind/pkg/logger"
	"taskremind/pkg/metrics"
	"taskremind/pkg/util"
)

// TaskAPI is the slice of the Task Service client the notifier needs.
type TaskAPI interface {
	GetTask(ctx context.Context, taskID int) (*taskapi.Task, error)
	MarkReminderSent(ctx context.Context, taskID int) error
}

// SubscriptionStore resolves and prunes a user's delivery endpoints.
type SubscriptionStore interface {
	ListByUser(ctx context.Context, userID string) ([]mqcontracts.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Publisher is the slice of the event bus publisher the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	PublishToDLQ(topic string, payload []byte, originalError string) error
}

type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type Deduper interface {
	AcquireOnce(ctx context.Context, handler, key string) bool
	Release(ctx context.Context, handler, key string)
}

const handlerName = "notify"

// pushMessage is the JSON body delivered to the browser.
type pushMessage struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	TaskID     int       `json:"task_id"`
	ReminderAt time.Time `json:"reminder_at"`
}

// ReminderHandler consumes reminders and delivers a push notification to
// every active subscription of the task's owner. The persisted reminder_sent
// flag is checked before sending and set after a confirmed delivery; that
// check-before-send / mark-after-send order is what makes redelivery safe.
type ReminderHandler struct {
	taskAPI      TaskAPI
	subs         SubscriptionStore
	sender       PushSender
	deduper      Deduper
	retryCounter RetryCounter
	publisher    Publisher

	maxRetries   int64         // broker-level redeliveries before DLQ
	pushAttempts int           // per-subscription delivery attempts
	backoffBase  time.Duration // first retry delay, doubled per attempt

	logger *zap.Logger
}

func NewReminderHandler(
	taskAPI TaskAPI,
	subs SubscriptionStore,
	sender PushSender,
	deduper Deduper,
	retryCounter RetryCounter,
	publisher Publisher,
	maxRetries int64,
	log *zap.Logger,
) *ReminderHandler {
	return &ReminderHandler{
		taskAPI:      taskAPI,
		subs:         subs,
		sender:       sender,
		deduper:      deduper,
		retryCounter: retryCounter,
		publisher:    publisher,
		maxRetries:   maxRetries,
		pushAttempts: 3,
		backoffBase:  500 * time.Millisecond,
		logger:       log,
	}
}

// Handle processes one reminder event. nil acks the message, an error nacks
// it for redelivery; messages that can never succeed go to the DLQ.
func (h *ReminderHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.ReminderEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal reminder event (non-retryable, sending to DLQ)",
			zap.Error(err),
		)
		h.deadLetter(raw, fmt.Sprintf("json_unmarshal_error: %v", err))
		return nil
	}

	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int("task_id", p.TaskID),
		zap.String("user_id", p.UserID),
	)

	// Check-before-send: the scheduler republishes unsent reminders every
	// tick and the broker may redeliver, so the persisted flag is consulted
	// first. A redelivered event for an already-sent reminder is a no-op.
	task, err := h.taskAPI.GetTask(ctx, p.TaskID)
	if errors.Is(err, taskapi.ErrNotFound) {
		log.Info("Task no longer exists, dropping reminder")
		return nil
	}
	if err != nil {
		return h.retryOrDeadLetter(ctx, log, raw, dedupKey(p), fmt.Errorf("task lookup failed: %w", err))
	}
	if task.ReminderSent {
		log.Info("Reminder already sent, skipping")
		metrics.IncrementNotification("skipped_sent")
		return nil
	}
	if task.ReminderAt == nil || !task.ReminderAt.Equal(p.ReminderAt) {
		// The user moved or cleared the reminder after this event was
		// published; the scheduler will pick up the new time on a later tick.
		log.Info("Reminder time changed since publish, dropping stale event")
		return nil
	}

	subs := p.PushSubscriptions
	if len(subs) == 0 {
		subs, err = h.subs.ListByUser(ctx, p.UserID)
		if err != nil {
			return h.retryOrDeadLetter(ctx, log, raw, dedupKey(p), fmt.Errorf("subscription lookup failed: %w", err))
		}
	}
	if len(subs) == 0 {
		log.Info("User has no push subscriptions, dropping reminder")
		metrics.IncrementNotification("no_subscriptions")
		return nil
	}

	// Redis dedup narrows the redelivery window the persisted flag cannot
	// cover: the gap between a successful push and the reminder_sent write.
	if !h.deduper.AcquireOnce(ctx, handlerName, dedupKey(p)) {
		// A held key while reminder_sent is still false means an earlier
		// delivery pushed but lost the write-back. Retry the mark here so the
		// flag does not stay false for the whole dedup TTL with the scheduler
		// republishing every tick.
		if err := h.taskAPI.MarkReminderSent(ctx, p.TaskID); err != nil {
			log.Warn("Failed to mark reminder_sent on duplicate delivery", zap.Error(err))
		}
		metrics.IncrementNotification("skipped_dup")
		return nil
	}

	delivered, remaining := h.deliverAll(ctx, log, p, subs)

	if delivered == 0 && remaining > 0 {
		// Every endpoint failed transiently. Release the dedup key so the
		// broker's redelivery is not mistaken for a duplicate, then retry.
		h.deduper.Release(ctx, handlerName, dedupKey(p))
		return h.retryOrDeadLetter(ctx, log, raw, dedupKey(p),
			fmt.Errorf("failed to call push service: all %d deliveries failed", remaining))
	}

	// Mark-after-send. delivered == 0 here means every subscription turned
	// out to be expired and was pruned; marking sent stops the scheduler from
	// republishing a reminder that has nowhere to go.
	if err := h.taskAPI.MarkReminderSent(ctx, p.TaskID); err != nil {
		// Best-effort gap: the push is out but the flag did not flip. The
		// next redelivery may notify again, which at-least-once permits.
		log.Warn("Failed to mark reminder_sent after delivery, duplicate possible",
			zap.Error(err),
		)
	}

	_ = h.retryCounter.Reset(ctx, util.FormatRetryKey(handlerName, dedupKey(p)))
	metrics.IncrementNotification("sent")
	log.Info("Reminder processed",
		zap.Int("delivered", delivered),
		zap.Int("subscriptions", len(subs)),
	)

	update := mqcontracts.TaskUpdatePayload{
		Version:    mqcontracts.EnvelopeVersion,
		UpdateType: mqcontracts.TaskUpdateReminderSent,
		TaskID:     p.TaskID,
		UserID:     p.UserID,
		Timestamp:  time.Now().UTC(),
	}
	if err := h.publisher.Publish(ctx, mqcontracts.TopicTaskUpdates, strconv.Itoa(p.TaskID), update); err != nil {
		log.Warn("Failed to publish reminder.sent update", zap.Error(err))
	}

	return nil
}

// deliverAll attempts delivery to every subscription. It returns how many
// deliveries succeeded and how many live (non-pruned) subscriptions remain.
// Failures are isolated per subscription: one dead endpoint never blocks the
// user's other devices.
func (h *ReminderHandler) deliverAll(ctx context.Context, log *zap.Logger, p mqcontracts.ReminderEventPayload, subs []mqcontracts.PushSubscription) (delivered, remaining int) {
	payload, err := json.Marshal(pushMessage{
		Title:      "Task reminder",
		Body:       p.Title,
		TaskID:     p.TaskID,
		ReminderAt: p.ReminderAt,
	})
	if err != nil {
		log.Error("Failed to marshal push message", zap.Error(err))
		return 0, len(subs)
	}

	remaining = len(subs)
	for _, sub := range subs {
		switch err := h.deliverOne(ctx, sub, payload); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrEndpointGone):
			log.Info("Push endpoint gone, pruning subscription")
			if delErr := h.subs.DeleteByEndpoint(ctx, sub.Endpoint); delErr != nil {
				log.Warn("Failed to prune expired subscription", zap.Error(delErr))
			}
			remaining--
		default:
			log.Warn("Push delivery failed after retries", zap.Error(err))
		}
	}
	return delivered, remaining
}

// deliverOne tries one subscription with bounded attempts and exponential
// backoff. A gone endpoint aborts immediately; retrying it cannot help.
func (h *ReminderHandler) deliverOne(ctx context.Context, sub mqcontracts.PushSubscription, payload []byte) error {
	var lastErr error
	delay := h.backoffBase

	for attempt := 0; attempt < h.pushAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = h.sender.Send(ctx, sub, payload)
		if lastErr == nil || errors.Is(lastErr, ErrEndpointGone) {
			return lastErr
		}
	}
	return lastErr
}

func (h *ReminderHandler) retryOrDeadLetter(ctx context.Context, log *zap.Logger, raw json.RawMessage, key string, cause error) error {
	isRetryable, errType := util.IsRetryableError(cause)
	log.Error("Reminder processing failed",
		zap.String("error_type", errType),
		zap.Bool("retryable", isRetryable),
		zap.Error(cause),
	)

	if !isRetryable {
		metrics.IncrementNotification("failed")
		h.deadLetter(raw, fmt.Sprintf("%s: %v", errType, cause))
		return nil
	}

	retryKey := util.FormatRetryKey(handlerName, key)
	count, err := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if err != nil {
		log.Warn("Retry counter unavailable", zap.Error(err))
		return cause
	}

	if count > h.maxRetries {
		log.Error("Retry budget exhausted, sending to DLQ",
			zap.Int64("attempts", count),
			zap.Int64("max_retries", h.maxRetries),
		)
		metrics.IncrementNotification("failed")
		h.deadLetter(raw, fmt.Sprintf("retries_exhausted after %d attempts: %v", count, cause))
		_ = h.retryCounter.Reset(ctx, retryKey)
		return nil
	}

	return cause
}

func (h *ReminderHandler) deadLetter(raw json.RawMessage, reason string) {
	if err := h.publisher.PublishToDLQ(mqcontracts.TopicReminders, raw, reason); err != nil {
		h.logger.Error("Failed to publish to DLQ", zap.Error(err))
	}
}

// dedupKey identifies one reminder instance: the same task with a moved
// reminder_at is a new instance and must notify again.
func dedupKey(p mqcontracts.ReminderEventPayload) string {
	return fmt.Sprintf("%d:%d", p.TaskID, p.ReminderAt.Unix())
}
