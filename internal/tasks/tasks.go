// Package tasks implements the task coordination service. Tasks are
// plain records owned by a repository; every mutation is announced with
// exactly one task.* event so minions and bridge clients track progress
// without polling.
package tasks

import (
	"context"
	"errors"
	"maps"
	"time"
)

// Sentinel errors. Callers match with errors.Is.
var (
	ErrNotFound  = errors.New("task not found")
	ErrFinalized = errors.New("task already finalized")
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal tasks accept no
// further status, assignment, or progress changes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one unit of coordinated work. Progress spans [0,1].
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Progress    float64        `json:"progress"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy safe to hand across goroutines.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Metadata = maps.Clone(t.Metadata)
	return &cp
}

// Repository persists tasks. Implementations return (nil, nil) when a
// task does not exist.
type Repository interface {
	Save(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, id string) (*Task, error)
	ListAll(ctx context.Context) ([]*Task, error)
	ListByStatus(ctx context.Context, status Status) ([]*Task, error)
	Delete(ctx context.Context, id string) error
}
