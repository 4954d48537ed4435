package mq

import "time"

// Update types published on task-updates for downstream fan-out (UI tier).
const (
	TaskUpdateReminderSent      = "reminder.sent"
	TaskUpdateOccurrenceCreated = "occurrence.created"
)

type TaskUpdatePayload struct {
	Version    int       `json:"version"`
	UpdateType string    `json:"update_type"` // reminder.sent / occurrence.created
	TaskID     int       `json:"task_id"`
	UserID     string    `json:"user_id"`
	// ChildTaskID is set for occurrence.created: the id of the new occurrence.
	ChildTaskID *int      `json:"child_task_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
