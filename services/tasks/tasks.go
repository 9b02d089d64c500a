// Package tasks implements tasks.TaskService: per-user task CRUD plus the
// StreamTasks and StreamNotifications server streams.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/broadcast"
	"github.com/ggoodman/taskrpc/interceptor"
	"github.com/ggoodman/taskrpc/sessions"
	"github.com/ggoodman/taskrpc/status"
	"github.com/ggoodman/taskrpc/store"
)

const (
	MethodCreateTask          = "/tasks.TaskService/CreateTask"
	MethodGetTasks            = "/tasks.TaskService/GetTasks"
	MethodGetTask             = "/tasks.TaskService/GetTask"
	MethodUpdateTask          = "/tasks.TaskService/UpdateTask"
	MethodDeleteTask          = "/tasks.TaskService/DeleteTask"
	MethodGetTaskStats        = "/tasks.TaskService/GetTaskStats"
	MethodStreamTasks         = "/tasks.TaskService/StreamTasks"
	MethodStreamNotifications = "/tasks.TaskService/StreamNotifications"
)

// TopicChanged is the bus topic carrying task change events.
const TopicChanged = "tasks.changed"

const (
	maxTitle     = 200
	defaultLimit = 10
	maxLimit     = 100
)

// SSE event names.
const (
	EventTask         = "task"
	EventNotification = "notification"
)

// ErrAuthRequired is returned when a call reaches the service without an
// authenticated identity.
var ErrAuthRequired = status.New(status.Unauthenticated, "authentication token is required")

const msgNotFound = "task not found"

type changeEvent struct {
	Type NotificationType `json:"type"`
	Task Task             `json:"task"`
	At   int64            `json:"at"`
}

// Service implements the task operations.
type Service struct {
	store    store.Store
	bus      broadcast.Bus
	dispatch *broadcast.Dispatcher
	log      *slog.Logger
	now      func() time.Time
	sessOpts []sessions.Option
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithSessionOptions applies opts to every stream session.
func WithSessionOptions(opts ...sessions.Option) Option {
	return func(s *Service) { s.sessOpts = append(s.sessOpts, opts...) }
}

// New returns a Service. Change events are emitted on bus and delivered to
// the streams registered with d.
func New(st store.Store, bus broadcast.Bus, d *broadcast.Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:    st,
		bus:      bus,
		dispatch: d,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	bus.Handle(TopicChanged, s.deliver)
	return s
}

func caller(ctx context.Context) (auth.Identity, error) {
	id, ok := interceptor.IdentityFromContext(ctx)
	if !ok || id.IsZero() || id.IsAnonymous() {
		return auth.Identity{}, ErrAuthRequired
	}
	return id, nil
}

func validateTitle(title string) []string {
	switch {
	case title == "":
		return []string{"title must not be empty"}
	case utf8.RuneCountInString(title) > maxTitle:
		return []string{fmt.Sprintf("title must be at most %d characters", maxTitle)}
	}
	return nil
}

func parsePriority(p string) (store.Priority, []string) {
	if prio, ok := store.ParsePriority(p); ok {
		return prio, nil
	}
	return "", []string{"priority must be one of LOW, MEDIUM, HIGH, URGENT"}
}

// CreateTask stores a new task for the caller.
func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*TaskResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return &TaskResponse{Message: "title is required", Errors: validateTitle(title)}, nil
	}
	errs := validateTitle(title)
	prio := store.PriorityMedium
	if req.Priority != "" {
		var perrs []string
		prio, perrs = parsePriority(req.Priority)
		errs = append(errs, perrs...)
	}
	if len(errs) > 0 {
		return &TaskResponse{Message: "invalid task data", Errors: errs}, nil
	}

	now := s.now().UTC()
	t := &store.Task{
		ID:          uuid.NewString(),
		UserID:      id.SubjectID,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Priority:    prio,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.emit(ctx, TaskCreated, t)
	return &TaskResponse{Success: true, Message: "task created", Task: wire(t)}, nil
}

// GetTasks lists the caller's tasks, newest first.
func (s *Service) GetTasks(ctx context.Context, req *GetTasksRequest) (*TaskListResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	q := store.TaskQuery{
		UserID:    id.SubjectID,
		Completed: req.Completed,
		Page:      max(req.Page, 1),
		Limit:     req.Limit,
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	q.Limit = min(q.Limit, maxLimit)
	if req.Priority != "" {
		prio, errs := parsePriority(req.Priority)
		if errs != nil {
			return &TaskListResponse{Message: "invalid filter", Errors: errs, Tasks: []*Task{}}, nil
		}
		q.Priority = &prio
	}

	page, err := s.store.ListTasks(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	resp := &TaskListResponse{
		Success: true,
		Tasks:   make([]*Task, 0, len(page.Tasks)),
		Total:   page.Total,
		Page:    q.Page,
		Limit:   q.Limit,
	}
	for i := range page.Tasks {
		resp.Tasks = append(resp.Tasks, wire(&page.Tasks[i]))
	}
	return resp, nil
}

// GetTask returns one of the caller's tasks.
func (s *Service) GetTask(ctx context.Context, req *GetTaskRequest) (*TaskResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.store.Task(ctx, id.SubjectID, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return &TaskResponse{Message: msgNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &TaskResponse{Success: true, Message: "task found", Task: wire(t)}, nil
}

// UpdateTask applies a partial update. Marking an open task completed
// emits TASK_COMPLETED instead of TASK_UPDATED.
func (s *Service) UpdateTask(ctx context.Context, req *UpdateTaskRequest) (*TaskResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.store.Task(ctx, id.SubjectID, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return &TaskResponse{Message: msgNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	var errs []string
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if terrs := validateTitle(title); terrs != nil {
			errs = append(errs, terrs...)
		}
		t.Title = title
	}
	if req.Description != nil {
		t.Description = strings.TrimSpace(*req.Description)
	}
	if req.Priority != nil {
		prio, perrs := parsePriority(*req.Priority)
		errs = append(errs, perrs...)
		t.Priority = prio
	}
	if len(errs) > 0 {
		return &TaskResponse{Message: "invalid task data", Errors: errs}, nil
	}

	kind := TaskUpdated
	if req.Completed != nil {
		if *req.Completed && !t.Completed {
			kind = TaskCompleted
		}
		t.Completed = *req.Completed
	}
	t.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateTask(ctx, t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &TaskResponse{Message: msgNotFound}, nil
		}
		return nil, fmt.Errorf("update task: %w", err)
	}
	s.emit(ctx, kind, t)
	return &TaskResponse{Success: true, Message: "task updated", Task: wire(t)}, nil
}

// DeleteTask removes one of the caller's tasks.
func (s *Service) DeleteTask(ctx context.Context, req *DeleteTaskRequest) (*TaskResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.store.Task(ctx, id.SubjectID, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return &TaskResponse{Message: msgNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if err := s.store.DeleteTask(ctx, id.SubjectID, req.TaskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &TaskResponse{Message: msgNotFound}, nil
		}
		return nil, fmt.Errorf("delete task: %w", err)
	}
	s.emit(ctx, TaskDeleted, t)
	return &TaskResponse{Success: true, Message: "task deleted"}, nil
}

// GetTaskStats summarizes the caller's tasks. CompletionRate is a
// percentage rounded to two decimals.
func (s *Service) GetTaskStats(ctx context.Context, _ *GetTaskStatsRequest) (*StatsResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.store.TaskStats(ctx, id.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	var rate float64
	if st.Total > 0 {
		rate = math.Round(float64(st.Completed)/float64(st.Total)*100*100) / 100
	}
	return &StatsResponse{Success: true, Stats: &Stats{
		Total:          st.Total,
		Completed:      st.Completed,
		Pending:        st.Pending,
		CompletionRate: rate,
	}}, nil
}

// StreamTasks writes the caller's current tasks matching req, newest first,
// and then every later snapshot of a matching task, until ctx ends or the
// session is removed.
func (s *Service) StreamTasks(ctx context.Context, req *StreamTasksRequest, out sessions.Sender) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	opts := append([]sessions.Option{sessions.WithTaskFilter(sessions.TaskFilter{Completed: req.Completed})}, s.sessOpts...)
	sess, err := sessions.New(id, sessions.KindTaskStream, out, opts...)
	if err != nil {
		return err
	}

	page, err := s.store.ListTasks(ctx, store.TaskQuery{UserID: id.SubjectID, Completed: req.Completed})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for i := range page.Tasks {
		msg, err := encode(EventTask, wire(&page.Tasks[i]))
		if err != nil {
			return err
		}
		if err := sess.Enqueue(msg); err != nil {
			return err
		}
	}
	return ended(s.dispatch.Registry().Attach(ctx, sess))
}

// StreamNotifications writes a "stream started" frame and then a
// Notification for every change to the caller's tasks.
func (s *Service) StreamNotifications(ctx context.Context, _ *StreamNotificationsRequest, out sessions.Sender) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	sess, err := sessions.New(id, sessions.KindTaskNotifications, out, s.sessOpts...)
	if err != nil {
		return err
	}
	msg, err := encode(EventNotification, Notification{
		Type:      TaskCreated,
		Message:   "notification stream started",
		Timestamp: s.now().Unix(),
	})
	if err != nil {
		return err
	}
	if err := sess.Enqueue(msg); err != nil {
		return err
	}
	return ended(s.dispatch.Registry().Attach(ctx, sess))
}

// ended treats client cancellation as a normal stream end.
func ended(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) emit(ctx context.Context, kind NotificationType, t *store.Task) {
	ev := changeEvent{Type: kind, Task: *wire(t), At: s.now().Unix()}
	if err := s.bus.Emit(ctx, TopicChanged, ev); err != nil {
		s.log.ErrorContext(ctx, "tasks.emit.fail",
			slog.String("task_id", t.ID),
			slog.String("type", string(kind)),
			slog.String("err", err.Error()),
		)
	}
}

func notificationMessage(kind NotificationType) string {
	switch kind {
	case TaskCreated:
		return "task created"
	case TaskUpdated:
		return "task updated"
	case TaskDeleted:
		return "task deleted"
	case TaskCompleted:
		return "task completed"
	}
	return string(kind)
}

// deliver fans one change event out to the owner's local streams.
func (s *Service) deliver(ctx context.Context, payload json.RawMessage) {
	var ev changeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.WarnContext(ctx, "tasks.event.decode.fail", slog.String("err", err.Error()))
		return
	}
	owner := ev.Task.UserID

	note, err := encode(EventNotification, Notification{
		Type:      ev.Type,
		Task:      &ev.Task,
		Message:   notificationMessage(ev.Type),
		Timestamp: ev.At,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "tasks.event.encode.fail", slog.String("err", err.Error()))
		return
	}
	s.dispatch.Broadcast(ctx, broadcast.TaskNotificationsFor(owner), broadcast.Static(note))

	if ev.Type == TaskDeleted {
		return
	}
	snap, err := encode(EventTask, &ev.Task)
	if err != nil {
		s.log.ErrorContext(ctx, "tasks.event.encode.fail", slog.String("err", err.Error()))
		return
	}
	s.dispatch.Broadcast(ctx, broadcast.TaskStreamFor(owner, ev.Task.Completed), broadcast.Static(snap))
}

func encode(event string, v any) (sessions.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sessions.Message{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return sessions.Message{Event: event, Data: data}, nil
}
