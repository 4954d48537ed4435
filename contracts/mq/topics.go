package mq

// Topic routing keys on the events exchange. Messages are keyed by task ID so
// that all events for one task land on the same partition and keep publish order.
const (
	TopicTaskEvents  = "task-events"
	TopicReminders   = "reminders"
	TopicTaskUpdates = "task-updates"
)

// Envelope version carried by every payload. Bump when a field changes meaning.
const EnvelopeVersion = 1
