package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	mqcontracts "taskremind/contracts/mq"
	"taskremind/pkg/circuitbreaker"
	"taskremind/pkg/metrics"
)

// ErrNotFound is returned when the Task Service answers 404 for a lookup.
var ErrNotFound = errors.New("task not found")

// Task is the narrow slice of the Task Service's task row this engine reads.
type Task struct {
	ID             int        `json:"id"`
	UserID         string     `json:"user_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	ReminderAt     *time.Time `json:"reminder_at,omitempty"`
	ReminderSent   bool       `json:"reminder_sent"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	IsRecurring    bool       `json:"is_recurring"`
	RecurrenceRule string     `json:"recurrence_rule,omitempty"`
	RecurrenceEnd  *time.Time `json:"recurrence_end,omitempty"`
	ParentTaskID   *int       `json:"parent_task_id,omitempty"`
}

// DueReminder is one row of the due-reminder check: an elapsed, unsent
// reminder plus the owner's registered push subscriptions.
type DueReminder struct {
	TaskID            int                            `json:"task_id"`
	UserID            string                         `json:"user_id"`
	Title             string                         `json:"title"`
	ReminderAt        time.Time                      `json:"reminder_at"`
	PushSubscriptions []mqcontracts.PushSubscription `json:"push_subscriptions,omitempty"`
}

// CreateTaskRequest creates a child occurrence of a recurring task.
type CreateTaskRequest struct {
	UserID         string     `json:"user_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	ReminderAt     *time.Time `json:"reminder_at,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	IsRecurring    bool       `json:"is_recurring"`
	RecurrenceRule string     `json:"recurrence_rule,omitempty"`
	RecurrenceEnd  *time.Time `json:"recurrence_end,omitempty"`
	ParentTaskID   *int       `json:"parent_task_id,omitempty"`
}

// Client is the HTTP client for the external Task Service. All calls carry a
// bounded timeout; 5xx responses surface as retryable errors, 4xx as permanent
// ones (see pkg/util.IsRetryableError for the classification contract).
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithBreaker guards every call with the given circuit breaker.
func (c *Client) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Client {
	c.breaker = cb
	return c
}

// CheckDueReminders returns all tasks whose reminder_at has elapsed and whose
// reminder_sent flag is still false.
func (c *Client) CheckDueReminders(ctx context.Context) ([]DueReminder, error) {
	var out struct {
		Tasks []DueReminder `json:"tasks"`
	}
	if err := c.call(ctx, http.MethodGet, "/tasks/reminders/check", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// MarkReminderSent flips reminder_sent to true. The flag is monotonic: the
// Task Service only ever resets it when the user changes reminder_at.
func (c *Client) MarkReminderSent(ctx context.Context, taskID int) error {
	path := fmt.Sprintf("/tasks/%d/reminder-sent", taskID)
	return c.call(ctx, http.MethodPatch, path, nil, nil)
}

// GetTask fetches a single task, ErrNotFound when it no longer exists.
func (c *Client) GetTask(ctx context.Context, taskID int) (*Task, error) {
	var task Task
	path := fmt.Sprintf("/tasks/%d", taskID)
	if err := c.call(ctx, http.MethodGet, path, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ChildExists reports whether a child occurrence with parent_task_id=parentID
// was already created. This is the recurrence engine's idempotence check.
func (c *Client) ChildExists(ctx context.Context, parentID int) (bool, error) {
	var child Task
	path := fmt.Sprintf("/tasks/%d/child", parentID)
	err := c.call(ctx, http.MethodGet, path, nil, &child)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateTask creates the next occurrence of a recurring task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	var task Task
	if err := c.call(ctx, http.MethodPost, "/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c.breaker == nil {
		return c.do(ctx, method, path, body, out)
	}
	return c.breaker.Execute(func() error {
		return c.do(ctx, method, path, body, out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	start := time.Now()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordTaskServiceCall(path, "unreachable", time.Since(start))
		return fmt.Errorf("failed to call task service: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordTaskServiceCall(path, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("task service 5xx: %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("task service error: %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode task service response: %w", err)
		}
	}
	return nil
}
