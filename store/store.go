// Package store defines the persistence collaborator for accounts and tasks.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/ggoodman/taskrpc/status"
)

var (
	// ErrNotFound is returned when the addressed row does not exist for the
	// caller. Rows owned by another user are reported as not found.
	ErrNotFound = status.New(status.NotFound, "not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = status.New(status.InvalidArgument, "already exists")
)

// Priority is a task priority.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Priorities lists every valid priority in ascending order.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// ParsePriority parses p case-insensitively.
func ParsePriority(p string) (Priority, bool) {
	up := Priority(strings.ToUpper(strings.TrimSpace(p)))
	for _, known := range Priorities {
		if up == known {
			return known, true
		}
	}
	return "", false
}

// User is a registered account.
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	FirstName    string
	LastName     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is a user-owned to-do item.
type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Priority    Priority
	Completed   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskQuery selects a user's tasks. Results are ordered newest first.
type TaskQuery struct {
	UserID    string
	Completed *bool
	Priority  *Priority
	// Page is 1-based. Limit 0 returns every matching task.
	Page  int
	Limit int
}

// Offset returns the row offset implied by Page and Limit.
func (q TaskQuery) Offset() int {
	if q.Limit <= 0 || q.Page <= 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// TaskPage is one page of tasks plus the total number of matches.
type TaskPage struct {
	Tasks []Task
	Total int
}

// TaskStats summarizes a user's tasks.
type TaskStats struct {
	Total     int
	Completed int
	Pending   int
}

// Store persists users and tasks. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)
	// UserByLogin finds a user by email or username.
	UserByLogin(ctx context.Context, identifier string) (*User, error)

	CreateTask(ctx context.Context, t *Task) error
	Task(ctx context.Context, userID, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, userID, id string) error
	ListTasks(ctx context.Context, q TaskQuery) (TaskPage, error)
	TaskStats(ctx context.Context, userID string) (TaskStats, error)

	Close() error
}
