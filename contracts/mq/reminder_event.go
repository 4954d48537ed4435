package mq

import "time"

// SubscriptionKeys are the client keys of a Web Push subscription.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is one registered delivery endpoint for a user. A user may
// hold several (one per device); all of them receive the same reminder.
type PushSubscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

// ReminderEventPayload is published on reminders, one per due task per tick.
// The scheduler embeds the user's subscriptions when the Task Service returned
// them; the notifier falls back to its own store when the list is empty.
type ReminderEventPayload struct {
	Version           int                `json:"version"`
	TaskID            int                `json:"task_id"`
	UserID            string             `json:"user_id"`
	Title             string             `json:"title"`
	ReminderAt        time.Time          `json:"reminder_at"`
	PushSubscriptions []PushSubscription `json:"push_subscriptions,omitempty"`
}
