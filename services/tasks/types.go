package tasks

import "github.com/ggoodman/taskrpc/store"

// Task is the wire form of a task.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	UserID      string `json:"user_id"`
	Completed   bool   `json:"completed"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func wire(t *store.Task) *Task {
	return &Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		UserID:      t.UserID,
		Completed:   t.Completed,
		CreatedAt:   t.CreatedAt.Unix(),
		UpdatedAt:   t.UpdatedAt.Unix(),
	}
}

// NotificationType classifies a task change.
type NotificationType string

const (
	TaskCreated   NotificationType = "TASK_CREATED"
	TaskUpdated   NotificationType = "TASK_UPDATED"
	TaskDeleted   NotificationType = "TASK_DELETED"
	TaskCompleted NotificationType = "TASK_COMPLETED"
)

// Notification is one frame of StreamNotifications.
type Notification struct {
	Type      NotificationType `json:"type"`
	Task      *Task            `json:"task"`
	Message   string           `json:"message"`
	Timestamp int64            `json:"timestamp"`
}

type CreateTaskRequest struct {
	Title       string `json:"title" jsonschema:"required,maxLength=200"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" jsonschema:"enum=LOW,enum=MEDIUM,enum=HIGH,enum=URGENT"`
}

type GetTasksRequest struct {
	Completed *bool  `json:"completed,omitempty"`
	Priority  string `json:"priority,omitempty" jsonschema:"enum=LOW,enum=MEDIUM,enum=HIGH,enum=URGENT"`
	Page      int    `json:"page,omitempty" jsonschema:"minimum=1"`
	Limit     int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id" jsonschema:"required"`
}

// UpdateTaskRequest is a partial update; omitted fields keep their value.
type UpdateTaskRequest struct {
	TaskID      string  `json:"task_id" jsonschema:"required"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

type DeleteTaskRequest struct {
	TaskID string `json:"task_id" jsonschema:"required"`
}

type GetTaskStatsRequest struct{}

type StreamTasksRequest struct {
	Completed *bool `json:"completed,omitempty"`
}

type StreamNotificationsRequest struct{}

// TaskResponse answers the single-task operations. A validation failure or
// a missing task yields Success=false with Message and, for validation,
// Errors.
type TaskResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	Task    *Task    `json:"task,omitempty"`
}

type TaskListResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	Tasks   []*Task  `json:"tasks"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
}

type Stats struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	Pending        int     `json:"pending"`
	CompletionRate float64 `json:"completion_rate"`
}

type StatsResponse struct {
	Success bool   `json:"success"`
	Stats   *Stats `json:"stats"`
}
