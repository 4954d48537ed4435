package recurrence

import (
	"context"
	"encoding/json"
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

// TaskAPI is the slice of the Task Service client the engine needs.
type TaskAPI interface {
	ChildExists(ctx context.Context, parentID int) (bool, error)
	CreateTask(ctx context.Context, req taskapi.CreateTaskRequest) (*taskapi.Task, error)
}

// Publisher is the slice of the event bus publisher the engine needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	PublishToDLQ(topic string, payload []byte, originalError string) error
}

// RetryCounter tracks redeliveries of one completion event.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

const handlerName = "recurrence"

// TaskCompletedHandler consumes task-events and creates the next occurrence
// of a recurring task when its current occurrence is completed.
type TaskCompletedHandler struct {
	taskAPI      TaskAPI
	publisher    Publisher
	retryCounter RetryCounter
	maxRetries   int64
	logger       *zap.Logger
}

func NewTaskCompletedHandler(
	taskAPI TaskAPI,
	publisher Publisher,
	retryCounter RetryCounter,
	maxRetries int64,
	log *zap.Logger,
) *TaskCompletedHandler {
	return &TaskCompletedHandler{
		taskAPI:      taskAPI,
		publisher:    publisher,
		retryCounter: retryCounter,
		maxRetries:   maxRetries,
		logger:       log,
	}
}

// Handle processes one task-events message. Returning nil acks the message;
// returning an error nacks it for redelivery. Messages that can never succeed
// (malformed payloads, invalid rules) go to the DLQ instead of looping.
func (h *TaskCompletedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.TaskEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal task event (non-retryable, sending to DLQ)",
			zap.Error(err),
		)
		h.deadLetter(raw, fmt.Sprintf("json_unmarshal_error: %v", err))
		return nil
	}

	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int("task_id", p.TaskID),
		zap.String("user_id", p.UserID),
	)

	// Only completions of recurring tasks concern this consumer; everything
	// else on the topic is acked untouched.
	if p.EventType != mqcontracts.TaskEventCompleted || !p.TaskData.IsRecurring {
		return nil
	}

	rule, err := ParseRule(p.TaskData.RecurrenceRule)
	if err != nil {
		// The Task Service validates rules at creation time, so reaching this
		// point means the stored data is damaged. Park the event for manual
		// correction rather than dropping the lineage.
		log.Error("Invalid recurrence rule reached recurrence engine (data integrity)",
			zap.String("rule", p.TaskData.RecurrenceRule),
			zap.Error(err),
		)
		metrics.IncrementOccurrence("error")
		h.deadLetter(raw, fmt.Sprintf("invalid_recurrence_rule: %v", err))
		return nil
	}

	anchor := anchorTime(p)
	nextAt := NextOccurrence(anchor, rule)

	if end := p.TaskData.RecurrenceEnd; end != nil && nextAt.After(*end) {
		log.Info("Recurrence reached its end, lineage terminal",
			zap.Time("next_at", nextAt),
			zap.Time("recurrence_end", *end),
		)
		metrics.IncrementOccurrence("terminal")
		return nil
	}

	// Redelivery safety: a child keyed by this parent means an earlier
	// delivery already created the occurrence.
	exists, err := h.taskAPI.ChildExists(ctx, p.TaskID)
	if err != nil {
		return h.retryOrDeadLetter(ctx, log, raw, p.TaskID, fmt.Errorf("child lookup failed: %w", err))
	}
	if exists {
		log.Info("Next occurrence already exists, skipping")
		metrics.IncrementOccurrence("duplicate")
		return nil
	}

	child, err := h.taskAPI.CreateTask(ctx, buildChildRequest(p, anchor, nextAt))
	if err != nil {
		return h.retryOrDeadLetter(ctx, log, raw, p.TaskID, fmt.Errorf("child create failed: %w", err))
	}

	_ = h.retryCounter.Reset(ctx, util.FormatRetryKey(handlerName, strconv.Itoa(p.TaskID)))
	metrics.IncrementOccurrence("created")
	log.Info("Created next occurrence",
		zap.Int("child_task_id", child.ID),
		zap.Time("next_at", nextAt),
		zap.String("rule", rule.String()),
	)

	update := mqcontracts.TaskUpdatePayload{
		Version:     mqcontracts.EnvelopeVersion,
		UpdateType:  mqcontracts.TaskUpdateOccurrenceCreated,
		TaskID:      p.TaskID,
		UserID:      p.UserID,
		ChildTaskID: &child.ID,
		Timestamp:   time.Now().UTC(),
	}
	if err := h.publisher.Publish(ctx, mqcontracts.TopicTaskUpdates, strconv.Itoa(p.TaskID), update); err != nil {
		// The occurrence is created; the fan-out update is best effort.
		log.Warn("Failed to publish occurrence.created update", zap.Error(err))
	}

	return nil
}

// anchorTime picks the reference time the next occurrence is computed from:
// the due time when set, else the reminder time, else the completion moment.
func anchorTime(p mqcontracts.TaskEventPayload) time.Time {
	if p.TaskData.DueAt != nil {
		return *p.TaskData.DueAt
	}
	if p.TaskData.ReminderAt != nil {
		return *p.TaskData.ReminderAt
	}
	return p.Timestamp
}

// buildChildRequest carries the completed occurrence's fields onto the next
// one, shifting reminder_at and due_at by the same delta as the anchor moved.
func buildChildRequest(p mqcontracts.TaskEventPayload, anchor, nextAt time.Time) taskapi.CreateTaskRequest {
	delta := nextAt.Sub(anchor)
	parentID := p.TaskID

	req := taskapi.CreateTaskRequest{
		UserID:         p.UserID,
		Title:          p.TaskData.Title,
		Description:    p.TaskData.Description,
		IsRecurring:    true,
		RecurrenceRule: p.TaskData.RecurrenceRule,
		RecurrenceEnd:  p.TaskData.RecurrenceEnd,
		ParentTaskID:   &parentID,
	}
	if p.TaskData.ReminderAt != nil {
		shifted := p.TaskData.ReminderAt.Add(delta)
		req.ReminderAt = &shifted
	}
	if p.TaskData.DueAt != nil {
		shifted := p.TaskData.DueAt.Add(delta)
		req.DueAt = &shifted
	}
	return req
}

func (h *TaskCompletedHandler) retryOrDeadLetter(ctx context.Context, log *zap.Logger, raw json.RawMessage, taskID int, cause error) error {
	isRetryable, errType := util.IsRetryableError(cause)
	log.Error("Recurrence processing failed",
		zap.String("error_type", errType),
		zap.Bool("retryable", isRetryable),
		zap.Error(cause),
	)

	if !isRetryable {
		metrics.IncrementOccurrence("error")
		h.deadLetter(raw, fmt.Sprintf("%s: %v", errType, cause))
		return nil
	}

	retryKey := util.FormatRetryKey(handlerName, strconv.Itoa(taskID))
	count, err := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if err != nil {
		// Cannot track retries; fall back to plain redelivery.
		log.Warn("Retry counter unavailable", zap.Error(err))
		return cause
	}

	if count > h.maxRetries {
		log.Error("Retry budget exhausted, sending to DLQ",
			zap.Int64("attempts", count),
			zap.Int64("max_retries", h.maxRetries),
		)
		metrics.IncrementOccurrence("error")
		h.deadLetter(raw, fmt.Sprintf("retries_exhausted after %d attempts: %v", count, cause))
		_ = h.retryCounter.Reset(ctx, retryKey)
		return nil
	}

	return cause
}

func (h *TaskCompletedHandler) deadLetter(raw json.RawMessage, reason string) {
	if err := h.publisher.PublishToDLQ(mqcontracts.TopicTaskEvents, raw, reason); err != nil {
		h.logger.Error("Failed to publish to DLQ", zap.Error(err))
	}
}
