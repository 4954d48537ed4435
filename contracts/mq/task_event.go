package mq

import "time"

// Task event types published by the Task Service on task-events.
const (
	TaskEventCreated   = "created"
	TaskEventUpdated   = "updated"
	TaskEventCompleted = "completed"
	TaskEventDeleted   = "deleted"
)

// TaskData is the task snapshot embedded in a TaskEventPayload.
type TaskData struct {
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	IsRecurring    bool       `json:"is_recurring"`
	RecurrenceRule string     `json:"recurrence_rule,omitempty"` // daily / weekly / monthly / weekdays / cron:<expr>
	RecurrenceEnd  *time.Time `json:"recurrence_end,omitempty"`
	ReminderAt     *time.Time `json:"reminder_at,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	ParentTaskID   *int       `json:"parent_task_id,omitempty"`
}

type TaskEventPayload struct {
	Version   int       `json:"version"`
	EventType string    `json:"event_type"` // created / updated / completed / deleted
	TaskID    int       `json:"task_id"`
	UserID    string    `json:"user_id"`
	TaskData  TaskData  `json:"task_data"`
	Timestamp time.Time `json:"timestamp"`
}
