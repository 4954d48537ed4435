package notifier

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
	task      *taskapi.Task
	getErr    error
	markErr   error
	markCalls []int
}

func (f *fakeTaskAPI) GetTask(ctx context.Context, taskID int) (*taskapi.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.task, nil
}

func (f *fakeTaskAPI) MarkReminderSent(ctx context.Context, taskID int) error {
	f.markCalls = append(f.markCalls, taskID)
	return f.markErr
}

type fakeSubStore struct {
	subs    []mqcontracts.PushSubscription
	listErr error
	deleted []string
}

func (f *fakeSubStore) ListByUser(ctx context.Context, userID string) ([]mqcontracts.PushSubscription, error) {
	return f.subs, f.listErr
}

func (f *fakeSubStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	f.deleted = append(f.deleted, endpoint)
	return nil
}

// fakeSender fails endpoints listed in errs and delivers everything else.
type fakeSender struct {
	errs map[string]error
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, sub mqcontracts.PushSubscription, payload []byte) error {
	if err, ok := f.errs[sub.Endpoint]; ok {
		return err
	}
	f.sent = append(f.sent, sub.Endpoint)
	return nil
}

type fakeDeduper struct {
	seen     map[string]bool
	released []string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: map[string]bool{}}
}

func (f *fakeDeduper) AcquireOnce(ctx context.Context, handler, key string) bool {
	k := handler + ":" + key
	if f.seen[k] {
		return false
	}
	f.seen[k] = true
	return true
}

func (f *fakeDeduper) Release(ctx context.Context, handler, key string) {
	k := handler + ":" + key
	delete(f.seen, k)
	f.released = append(f.released, k)
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

type published struct {
	topic string
	key   string
}

type fakePublisher struct {
	published []published
	dlq       []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	f.published = append(f.published, published{topic, key})
	return nil
}

func (f *fakePublisher) PublishToDLQ(topic string, payload []byte, originalError string) error {
	f.dlq = append(f.dlq, originalError)
	return nil
}

var reminderAt = time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

func sub(endpoint string) mqcontracts.PushSubscription {
	return mqcontracts.PushSubscription{
		Endpoint: endpoint,
		Keys: mqcontracts.SubscriptionKeys{
			P256dh: "p256dh-key",
			Auth:   "auth-key",
		},
	}
}

func reminderEvent(t *testing.T, subs ...mqcontracts.PushSubscription) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(mqcontracts.ReminderEventPayload{
		Version:           mqcontracts.EnvelopeVersion,
		TaskID:            42,
		UserID:            "user-1",
		Title:             "Submit the report",
		ReminderAt:        reminderAt,
		PushSubscriptions: subs,
	})
	require.NoError(t, err)
	return raw
}

func pendingTask() *taskapi.Task {
	at := reminderAt
	return &taskapi.Task{
		ID:         42,
		UserID:     "user-1",
		Title:      "Submit the report",
		ReminderAt: &at,
	}
}

type fixture struct {
	api     *fakeTaskAPI
	subs    *fakeSubStore
	sender  *fakeSender
	deduper *fakeDeduper
	retries *fakeRetryCounter
	pub     *fakePublisher
	handler *ReminderHandler
}

func newFixture() *fixture {
	f := &fixture{
		api:     &fakeTaskAPI{task: pendingTask()},
		subs:    &fakeSubStore{},
		sender:  &fakeSender{errs: map[string]error{}},
		deduper: newFakeDeduper(),
		retries: newFakeRetryCounter(),
		pub:     &fakePublisher{},
	}
	f.handler = NewReminderHandler(f.api, f.subs, f.sender, f.deduper, f.retries, f.pub, 3, zap.NewNop())
	f.handler.backoffBase = time.Millisecond
	return f
}

func TestHandleDeliversAndMarksSent(t *testing.T) {
	f := newFixture()

	err := f.handler.Handle(context.Background(), reminderEvent(t, sub("https://push/a"), sub("https://push/b")))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://push/a", "https://push/b"}, f.sender.sent)
	assert.Equal(t, []int{42}, f.api.markCalls)

	require.Len(t, f.pub.published, 1)
	assert.Equal(t, mqcontracts.TopicTaskUpdates, f.pub.published[0].topic)
	assert.Equal(t, "42", f.pub.published[0].key)
}

func TestHandleFallsBackToStoredSubscriptions(t *testing.T) {
	f := newFixture()
	f.subs.subs = []mqcontracts.PushSubscription{sub("https://push/stored")}

	err := f.handler.Handle(context.Background(), reminderEvent(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/stored"}, f.sender.sent)
	assert.Equal(t, []int{42}, f.api.markCalls)
}

func TestHandleRedeliveryAfterSentIsNoop(t *testing.T) {
	f := newFixture()
	f.api.task.ReminderSent = true

	err := f.handler.Handle(context.Background(), reminderEvent(t, sub("https://push/a")))
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.api.markCalls)
	assert.Empty(t, f.pub.dlq)
}

func TestHandleDropsWhenTaskDeleted(t *testing.T) {
	f := newFixture()
	f.api.getErr = taskapi.ErrNotFound

	err := f.handler.Handle(context.Background(), reminderEvent(t, sub("https://push/a")))
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.pub.dlq)
}

func TestHandleDropsStaleReminder(t *testing.T) {
	f := newFixture()
	moved := reminderAt.Add(2 * time.Hour)
	f.api.task.ReminderAt = &moved

	err := f.handler.Handle(context.Background(), reminderEvent(t, sub("https://push/a")))
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.api.markCalls)
}

func TestHandleDropsWhenNoSubscriptions(t *testing.T) {
	f := newFixture()

	err := f.handler.Handle(context.Background(), reminderEvent(t))
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent)
	// The task stays unsent so the user can register a device and still be
	// reminded by a later scheduler pass of a future reminder.
	assert.Empty(t, f.api.markCalls)
}

func TestHandleDuplicateDeliverySendsOnce(t *testing.T) {
	f := newFixture()
	raw := reminderEvent(t, sub("https://push/a"))

	require.NoError(t, f.handler.Handle(context.Background(), raw))
	require.NoError(t, f.handler.Handle(context.Background(), raw))

	assert.Len(t, f.sender.sent, 1)
}

func TestHandlePrunesGoneEndpoints(t *testing.T) {
	f := newFixture()
	f.sender.errs["https://push/dead"] = ErrEndpointGone

	err := f.handler.Handle(context.Background(), reminderEvent(t, sub("https://push/dead"), sub("https://push/live")))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://push/dead"}, f.subs.deleted)
	assert.Equal(t, []string{"https://push/live"}, f.sender.sent)
	assert.Equal(t, []int{42}, f.api.markCalls)
}

func TestHandleAllEndpointsGoneStillMarksSent(t *testing.T) {
	f := newFixture()
	f.sender.errs["https://push/dead"] = ErrEndpointGone

	err := f.handler.Handle(context.Background(), reminderEvent(t, sub("https://push/dead")))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://push/dead"}, f.subs.deleted)
	// Nothing left to deliver to; marking sent stops the republish loop.
	assert.Equal(t, []int{42}, f.api.markCalls)
}

func TestHandleTransientFailureReleasesDedupAndRetries(t *testing.T) {
	f := newFixture()
	f.sender.errs["https://push/a"] = fmt.Errorf("push service returned 503")
	raw := reminderEvent(t, sub("https://push/a"))

	err := f.handler.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.Empty(t, f.api.markCalls)
	assert.Len(t, f.deduper.released, 1)

	// The endpoint recovers; the broker's redelivery must not be treated as a
	// duplicate by the dedup key acquired on the failed pass.
	delete(f.sender.errs, "https://push/a")
	require.NoError(t, f.handler.Handle(context.Background(), raw))
	assert.Equal(t, []string{"https://push/a"}, f.sender.sent)
	assert.Equal(t, []int{42}, f.api.markCalls)
}

func TestHandleTransientFailureExhaustsToDLQ(t *testing.T) {
	f := newFixture()
	f.sender.errs["https://push/a"] = errors.New("push service returned 503")
	raw := reminderEvent(t, sub("https://push/a"))

	for i := 0; i < 3; i++ {
		require.Error(t, f.handler.Handle(context.Background(), raw))
	}
	require.NoError(t, f.handler.Handle(context.Background(), raw))
	require.Len(t, f.pub.dlq, 1)
	assert.Contains(t, f.pub.dlq[0], "retries_exhausted")
}

func TestHandleMarkFailureStillAcks(t *testing.T) {
	f := newFixture()
	f.api.markErr = errors.New("task service 5xx: 502")

	// The push went out; failing to persist the flag must not nack, or the
	// user would be notified again on every redelivery.
	err := f.handler.Handle(context.Background(), reminderEvent(t, sub("https://push/a")))
	require.NoError(t, err)
	assert.Len(t, f.sender.sent, 1)
}

func TestHandleDuplicateDeliveryRecoversLostMark(t *testing.T) {
	f := newFixture()
	f.api.markErr = errors.New("task service 5xx: 502")
	raw := reminderEvent(t, sub("https://push/a"))

	// First pass: push delivered, write-back lost, message acked.
	require.NoError(t, f.handler.Handle(context.Background(), raw))
	require.Len(t, f.sender.sent, 1)

	// The redelivery hits the dedup guard; instead of leaving reminder_sent
	// false for the whole dedup TTL it retries the mark, without pushing again.
	f.api.markErr = nil
	require.NoError(t, f.handler.Handle(context.Background(), raw))
	assert.Len(t, f.sender.sent, 1)
	assert.Equal(t, []int{42, 42}, f.api.markCalls)
}

func TestHandleMalformedPayloadGoesToDLQ(t *testing.T) {
	f := newFixture()

	err := f.handler.Handle(context.Background(), json.RawMessage(`{broken`))
	require.NoError(t, err)
	require.Len(t, f.pub.dlq, 1)
	assert.Contains(t, f.pub.dlq[0], "json_unmarshal_error")
}
