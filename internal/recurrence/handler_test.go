package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "taskremind/contracts/mq"
	"taskremind/internal/taskapi"
)

type fakeTaskAPI struct {
	childExists bool
	childErr    error
	createErr   error
	created     []taskapi.CreateTaskRequest
	nextChildID int
}

func (f *fakeTaskAPI) ChildExists(ctx context.Context, parentID int) (bool, error) {
	return f.childExists, f.childErr
}

func (f *fakeTaskAPI) CreateTask(ctx context.Context, req taskapi.CreateTaskRequest) (*taskapi.Task, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	f.nextChildID++
	return &taskapi.Task{ID: f.nextChildID + 100, Title: req.Title}, nil
}

type published struct {
	topic   string
	key     string
	payload any
}

type fakePublisher struct {
	published  []published
	publishErr error
	dlq        []string // reasons
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{topic, key, payload})
	return nil
}

func (f *fakePublisher) PublishToDLQ(topic string, payload []byte, originalError string) error {
	f.dlq = append(f.dlq, originalError)
	return nil
}

type fakeRetryCounter struct {
	counts map[string]int64
}

func newFakeRetryCounter() *fakeRetryCounter {
	return &fakeRetryCounter{counts: map[string]int64{}}
}

func (f *fakeRetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRetryCounter) Reset(ctx context.Context, key string) error {
	delete(f.counts, key)
	return nil
}

func completionEvent(t *testing.T, mutate func(*mqcontracts.TaskEventPayload)) json.RawMessage {
	t.Helper()

	reminderAt := time.Date(2025, 1, 9, 8, 30, 0, 0, time.UTC)
	dueAt := time.Date(2025, 1, 9, 17, 0, 0, 0, time.UTC)
	p := mqcontracts.TaskEventPayload{
		Version:   mqcontracts.EnvelopeVersion,
		EventType: mqcontracts.TaskEventCompleted,
		TaskID:    7,
		UserID:    "user-1",
		TaskData: mqcontracts.TaskData{
			Title:          "Water the plants",
			Description:    "back garden too",
			IsRecurring:    true,
			RecurrenceRule: "daily",
			ReminderAt:     &reminderAt,
			DueAt:          &dueAt,
		},
		Timestamp: time.Date(2025, 1, 9, 17, 5, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&p)
	}

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func newHandler(api *fakeTaskAPI, pub *fakePublisher, rc *fakeRetryCounter) *TaskCompletedHandler {
	return NewTaskCompletedHandler(api, pub, rc, 3, zap.NewNop())
}

func TestHandleCreatesNextOccurrence(t *testing.T) {
	api := &fakeTaskAPI{}
	pub := &fakePublisher{}
	h := newHandler(api, pub, newFakeRetryCounter())

	err := h.Handle(context.Background(), completionEvent(t, nil))
	require.NoError(t, err)
	require.Len(t, api.created, 1)

	child := api.created[0]
	assert.Equal(t, "Water the plants", child.Title)
	assert.Equal(t, "user-1", child.UserID)
	assert.True(t, child.IsRecurring)
	assert.Equal(t, "daily", child.RecurrenceRule)
	require.NotNil(t, child.ParentTaskID)
	assert.Equal(t, 7, *child.ParentTaskID)

	// Anchor is due_at, the rule is daily: both times shift one day.
	require.NotNil(t, child.DueAt)
	assert.Equal(t, time.Date(2025, 1, 10, 17, 0, 0, 0, time.UTC), child.DueAt.UTC())
	require.NotNil(t, child.ReminderAt)
	assert.Equal(t, time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC), child.ReminderAt.UTC())

	// A task-updates event is published for the new occurrence.
	require.Len(t, pub.published, 1)
	assert.Equal(t, mqcontracts.TopicTaskUpdates, pub.published[0].topic)
	assert.Equal(t, "7", pub.published[0].key)
}

func TestHandleIgnoresNonCompletionEvents(t *testing.T) {
	for _, eventType := range []string{
		mqcontracts.TaskEventCreated,
		mqcontracts.TaskEventUpdated,
		mqcontracts.TaskEventDeleted,
	} {
		t.Run(eventType, func(t *testing.T) {
			api := &fakeTaskAPI{}
			h := newHandler(api, &fakePublisher{}, newFakeRetryCounter())

			err := h.Handle(context.Background(), completionEvent(t, func(p *mqcontracts.TaskEventPayload) {
				p.EventType = eventType
			}))
			require.NoError(t, err)
			assert.Empty(t, api.created)
		})
	}
}

func TestHandleIgnoresNonRecurringCompletion(t *testing.T) {
	api := &fakeTaskAPI{}
	h := newHandler(api, &fakePublisher{}, newFakeRetryCounter())

	err := h.Handle(context.Background(), completionEvent(t, func(p *mqcontracts.TaskEventPayload) {
		p.TaskData.IsRecurring = false
	}))
	require.NoError(t, err)
	assert.Empty(t, api.created)
}

func TestHandleReplayCreatesOneChild(t *testing.T) {
	api := &fakeTaskAPI{}
	pub := &fakePublisher{}
	h := newHandler(api, pub, newFakeRetryCounter())

	raw := completionEvent(t, nil)
	require.NoError(t, h.Handle(context.Background(), raw))
	require.Len(t, api.created, 1)

	// The child now exists; replaying the same completion event is a no-op.
	api.childExists = true
	require.NoError(t, h.Handle(context.Background(), raw))
	assert.Len(t, api.created, 1)
}

func TestHandleRespectsRecurrenceEnd(t *testing.T) {
	api := &fakeTaskAPI{}
	h := newHandler(api, &fakePublisher{}, newFakeRetryCounter())

	// Daily task due Jan 9 with recurrence_end Jan 10: the Jan 10 occurrence
	// is within the window and is created.
	end := time.Date(2025, 1, 10, 23, 59, 59, 0, time.UTC)
	err := h.Handle(context.Background(), completionEvent(t, func(p *mqcontracts.TaskEventPayload) {
		p.TaskData.RecurrenceEnd = &end
	}))
	require.NoError(t, err)
	require.Len(t, api.created, 1)

	// Completing the Jan 10 occurrence computes Jan 11, past the end: terminal.
	err = h.Handle(context.Background(), completionEvent(t, func(p *mqcontracts.TaskEventPayload) {
		reminderAt := time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC)
		dueAt := time.Date(2025, 1, 10, 17, 0, 0, 0, time.UTC)
		p.TaskData.ReminderAt = &reminderAt
		p.TaskData.DueAt = &dueAt
		p.TaskData.RecurrenceEnd = &end
	}))
	require.NoError(t, err)
	assert.Len(t, api.created, 1)
}

func TestHandleWeekdaysCompletionOnFriday(t *testing.T) {
	api := &fakeTaskAPI{}
	h := newHandler(api, &fakePublisher{}, newFakeRetryCounter())

	friday := time.Date(2025, 1, 3, 17, 0, 0, 0, time.UTC)
	err := h.Handle(context.Background(), completionEvent(t, func(p *mqcontracts.TaskEventPayload) {
		p.TaskData.RecurrenceRule = "weekdays"
		p.TaskData.ReminderAt = nil
		p.TaskData.DueAt = &friday
	}))
	require.NoError(t, err)
	require.Len(t, api.created, 1)

	require.NotNil(t, api.created[0].DueAt)
	next := api.created[0].DueAt.UTC()
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, time.Date(2025, 1, 6, 17, 0, 0, 0, time.UTC), next)
}

func TestHandleAnchorFallsBackToReminderAt(t *testing.T) {
	api := &fakeTaskAPI{}
	h := newHandler(api, &fakePublisher{}, newFakeRetryCounter())

	err := h.Handle(context.Background(), completionEvent(t, func(p *mqcontracts.TaskEventPayload) {
		p.TaskData.DueAt = nil
	}))
	require.NoError(t, err)
	require.Len(t, api.created, 1)
	require.NotNil(t, api.created[0].ReminderAt)
	assert.Equal(t, time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC), api.created[0].ReminderAt.UTC())
	assert.Nil(t, api.created[0].DueAt)
}

func TestHandleInvalidRuleGoesToDLQ(t *testing.T) {
	api := &fakeTaskAPI{}
	pub := &fakePublisher{}
	h := newHandler(api, pub, newFakeRetryCounter())

	err := h.Handle(context.Background(), completionEvent(t, func(p *mqcontracts.TaskEventPayload) {
		p.TaskData.RecurrenceRule = "fortnightly"
	}))
	// Acked (nil) so the broker stops redelivering, but parked in the DLQ
	// rather than dropped.
	require.NoError(t, err)
	assert.Empty(t, api.created)
	require.Len(t, pub.dlq, 1)
	assert.Contains(t, pub.dlq[0], "invalid_recurrence_rule")
}

func TestHandleMalformedPayloadGoesToDLQ(t *testing.T) {
	pub := &fakePublisher{}
	h := newHandler(&fakeTaskAPI{}, pub, newFakeRetryCounter())

	err := h.Handle(context.Background(), json.RawMessage(`{not json`))
	require.NoError(t, err)
	require.Len(t, pub.dlq, 1)
	assert.Contains(t, pub.dlq[0], "json_unmarshal_error")
}

func TestHandleRetryableCreateFailureIsNacked(t *testing.T) {
	api := &fakeTaskAPI{createErr: fmt.Errorf("task service 5xx: 503")}
	pub := &fakePublisher{}
	h := newHandler(api, pub, newFakeRetryCounter())

	raw := completionEvent(t, nil)
	err := h.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.Empty(t, pub.dlq)
}

func TestHandleExhaustedRetriesGoToDLQ(t *testing.T) {
	api := &fakeTaskAPI{createErr: fmt.Errorf("task service 5xx: 503")}
	pub := &fakePublisher{}
	h := newHandler(api, pub, newFakeRetryCounter())

	raw := completionEvent(t, nil)

	// maxRetries is 3: the first three redeliveries nack, the fourth parks.
	for i := 0; i < 3; i++ {
		require.Error(t, h.Handle(context.Background(), raw))
	}
	require.NoError(t, h.Handle(context.Background(), raw))
	require.Len(t, pub.dlq, 1)
	assert.Contains(t, pub.dlq[0], "retries_exhausted")
}

func TestHandlePermanentCreateFailureGoesToDLQ(t *testing.T) {
	api := &fakeTaskAPI{createErr: errors.New("task service error: 422")}
	pub := &fakePublisher{}
	h := newHandler(api, pub, newFakeRetryCounter())

	err := h.Handle(context.Background(), completionEvent(t, nil))
	require.NoError(t, err)
	require.Len(t, pub.dlq, 1)
}
