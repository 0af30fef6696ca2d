package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// TaskStatus is one of the Background Task Manager's lifecycle states
// (§4.10: "pending → running → (completed | failed)").
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is the record returned by GET /tasks/{task_id} (§6).
type Task struct {
	ID          string         `json:"task_id"`
	Kind        string         `json:"kind"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// taskEvent is published to NATS (when configured) on every lifecycle
// transition, mirroring natsutil's typed Publish/Subscribe pattern so
// external dashboards (e.g. the read-only TUI) can tail task state
// without polling the store.
type taskEvent struct {
	TaskID string     `json:"task_id"`
	Kind   string     `json:"kind"`
	Status TaskStatus `json:"status"`
}

const taskEventsSubject = "climatedocs.tasks.events"

// TaskManager implements §4.10's Background Task Manager: create_task,
// status lookup, listing, and age-based cleanup of terminated tasks.
// It holds tasks in memory; a restart loses task history, which is
// acceptable since tasks only ever mirror state already durably
// recorded by the Status Tracker.
type TaskManager struct {
	mu    sync.Mutex
	tasks map[string]*Task

	nc *nats.Conn // optional; nil disables the event stream
}

// NewTaskManager constructs a TaskManager. nc may be nil to run
// without the NATS event stream.
func NewTaskManager(nc *nats.Conn) *TaskManager {
	return &TaskManager{
		tasks: make(map[string]*Task),
		nc:    nc,
	}
}

// CreateTask implements "create_task(kind, coroutine, metadata) →
// task_id": it registers a pending task, then runs fn in its own
// goroutine, transitioning running → completed|failed as fn returns.
func (m *TaskManager) CreateTask(ctx context.Context, kind string, metadata map[string]any, fn func(ctx context.Context) (any, error)) string {
	id := newTaskID()
	t := &Task{
		ID:        id,
		Kind:      kind,
		Status:    TaskPending,
		CreatedAt: time.Now(),
		Metadata:  metadata,
	}
	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()
	m.publish(ctx, t)

	go m.run(ctx, id, fn)
	return id
}

func (m *TaskManager) run(ctx context.Context, id string, fn func(ctx context.Context) (any, error)) {
	m.transition(ctx, id, TaskRunning, nil, nil)

	result, err := fn(ctx)
	if err != nil {
		m.transition(ctx, id, TaskFailed, nil, err)
		return
	}
	m.transition(ctx, id, TaskCompleted, result, nil)
}

func (m *TaskManager) transition(ctx context.Context, id string, status TaskStatus, result any, taskErr error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	t.Status = status
	switch status {
	case TaskRunning:
		t.StartedAt = &now
	case TaskCompleted, TaskFailed:
		t.CompletedAt = &now
		t.Result = result
		if taskErr != nil {
			t.Error = taskErr.Error()
		}
	}
	snapshot := *t
	m.mu.Unlock()

	m.publish(ctx, &snapshot)
}

func (m *TaskManager) publish(ctx context.Context, t *Task) {
	if m.nc == nil {
		return
	}
	ev := taskEvent{TaskID: t.ID, Kind: t.Kind, Status: t.Status}
	if err := publishTaskEvent(ctx, m.nc, ev); err != nil {
		slog.Warn("ingest: task event publish failed", "task_id", t.ID, "error", err)
	}
}

// Get returns the task for id, and whether it was found.
func (m *TaskManager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ListCounts returns the count of tasks per status, as required by
// the task listing endpoint (§6: "listing returns counts by status").
func (m *TaskManager) ListCounts() map[TaskStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[TaskStatus]int, 4)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts
}

// Cleanup removes completed/failed tasks older than maxAge (default
// 24h per §4.10), returning the number removed.
func (m *TaskManager) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		if (t.Status == TaskCompleted || t.Status == TaskFailed) && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

func newTaskID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "task_" + hex.EncodeToString(b[:])
}

// publishTaskEvent ignores ctx (NATS core publish carries no trace
// headers here, unlike natsutil's JSON helpers) but keeps the
// parameter so call sites read consistently with the rest of the
// package's context-threaded functions.
func publishTaskEvent(_ context.Context, nc *nats.Conn, ev taskEvent) error {
	data := fmt.Sprintf(`{"task_id":%q,"kind":%q,"status":%q}`, ev.TaskID, ev.Kind, ev.Status)
	return nc.Publish(taskEventsSubject, []byte(data))
}
