package store

import (
	"context"
	"errors"

	"github.com/seantiz/cosim/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskFilter narrows a task listing. Zero fields match everything.
type TaskFilter struct {
	RunID  string
	Owner  string
	Pool   string
	Status model.TaskStatus
	Limit  int
	Offset int
}

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByBackend map[string]int `json:"count_by_backend"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the task ledger.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error)
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	StartTask(ctx context.Context, id, backend string) error
	FinishTask(ctx context.Context, t *model.Task) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertOutputLine(ctx context.Context, taskID string, seq int, line string) error
	GetOutputLines(ctx context.Context, taskID string) ([]model.OutputLine, error)
	Close() error
}
