// Package store persists the cluster's task history so state survives
// server restarts and can be served over the status API.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mbrandal/flowline/internal/model"
)

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// TaskRecord is a task together with its recorded execution state.
type TaskRecord struct {
	Task       model.Task `json:"task"`
	State      string     `json:"state"`
	WorkerID   string     `json:"worker_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Transition is one recorded state change of a task.
type Transition struct {
	TaskID   string    `json:"task_id"`
	State    string    `json:"state"`
	WorkerID string    `json:"worker_id,omitempty"`
	At       time.Time `json:"at"`
}

// Stats holds aggregate task statistics.
type Stats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
}

// Store defines the persistence operations for task history. It subsumes
// the cluster's History contract and adds the read side the status API
// serves from.
type Store interface {
	RecordSubmission(ctx context.Context, task *model.Task) error
	RecordTransition(ctx context.Context, taskID string, state model.TaskState, workerID string) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*TaskRecord, int, error)
	GetTransitions(ctx context.Context, taskID string) ([]Transition, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
