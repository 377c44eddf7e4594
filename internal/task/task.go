package task

import (
	"context"
	"time"

	"github.com/xorthonl/solverq/internal/solver"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one unit of orchestrated solver work. A task is mutated by exactly
// one worker at a time; ownership transfers through the queue.
type Task struct {
	ID          string
	Type        string
	Payload     map[string]any
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Attempts    int
	Result      any
	Error       string
	ClientIP    string
	UserAgent   string
	Timeout     time.Duration
	MaxAttempts int
}

// ResultView is the caller-facing snapshot of a task's outcome. Callers always
// get one of these (or nil for an unknown id), never a raw error from solver
// internals.
type ResultView struct {
	TaskID         string     `json:"task_id"`
	TaskType       string     `json:"task_type"`
	Status         Status     `json:"status"`
	Solution       any        `json:"solution,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessingTime *float64   `json:"processing_time,omitempty"` // seconds
	Attempts       int        `json:"attempts"`
}

// Summary is the compact listing entry for active tasks.
type Summary struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
}

// Stats are the manager's aggregate counters.
type Stats struct {
	TotalTasks      int64          `json:"total_tasks"`
	ActiveTasks     int            `json:"active_tasks"`
	CompletedTasks  int            `json:"completed_tasks"`
	ProcessingTasks int64          `json:"processing_tasks"`
	SuccessRate     float64        `json:"success_rate"`
	QueueDepth      int            `json:"queue_depth"`
	Workers         int            `json:"workers_active"`
	Cache           map[string]any `json:"cache_stats,omitempty"`
}

// CreateOptions carries optional per-task settings and provenance metadata.
type CreateOptions struct {
	ClientIP    string
	UserAgent   string
	Timeout     time.Duration // 0 = manager default; clamped to the allowed range
	MaxAttempts int           // 0 = manager default
}

// Cache is the external cache collaborator. Two independent namespaces: the
// solution cache is keyed by payload (reusable across tasks with identical
// input), the result cache is keyed by task id (the outcome of one specific
// task). Implementations must fail soft: a miss on error, a no-op on set.
// The manager also works, just slower, with a nil Cache.
type Cache interface {
	GetSolution(ctx context.Context, payload map[string]any) (any, bool)
	SetSolution(ctx context.Context, payload map[string]any, solution any)
	GetResult(ctx context.Context, taskID string) (*ResultView, bool)
	SetResult(ctx context.Context, taskID string, view *ResultView)
	Stats(ctx context.Context) map[string]any
}

// SolverSource resolves a solver for a task type. Satisfied by
// solver.Registry; tests inject fakes. A nil return means no solver is
// available for the type.
type SolverSource interface {
	Get(taskType string) solver.Solver
}

func (t *Task) view() *ResultView {
	v := &ResultView{
		TaskID:      t.ID,
		TaskType:    t.Type,
		Status:      t.Status,
		Solution:    t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
		Attempts:    t.Attempts,
	}
	if t.CompletedAt != nil {
		secs := t.CompletedAt.Sub(t.CreatedAt).Seconds()
		v.ProcessingTime = &secs
	}
	return v
}

func (t *Task) summary() Summary {
	return Summary{
		TaskID:    t.ID,
		TaskType:  t.Type,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		Attempts:  t.Attempts,
	}
}
