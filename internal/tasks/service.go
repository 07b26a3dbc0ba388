package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/legionworks/legion/internal/bus"
)

const emitSource = "task-service"

// Service coordinates task state. All mutations go through the
// repository first; the matching task.* event is emitted only after
// the write succeeds, so subscribers never hear about state that was
// not persisted.
type Service struct {
	bus  *bus.Bus
	repo Repository
	log  *slog.Logger

	mu sync.Mutex // serializes read-modify-write cycles
}

// NewService wires a task service to its repository and event bus.
func NewService(b *bus.Bus, repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bus:  b,
		repo: repo,
		log:  logger.With("component", "tasks"),
	}
}

// CreateParams describes a new task.
type CreateParams struct {
	Title       string
	Description string
	AssignedTo  string
	CreatedBy   string
	Metadata    map[string]any
}

// Create registers a new pending task and emits task.created.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Task, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, fmt.Errorf("create task: title is required")
	}

	now := time.Now().UTC()
	t := &Task{
		ID:          newTaskID(),
		Title:       title,
		Description: strings.TrimSpace(p.Description),
		Status:      StatusPending,
		AssignedTo:  p.AssignedTo,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    cloneMeta(p.Metadata),
	}

	if err := s.repo.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.emit(bus.TaskCreated, t, nil)
	return t.Clone(), nil
}

// UpdateParams carries partial edits. Nil fields are left unchanged.
type UpdateParams struct {
	Title       *string
	Description *string
	Metadata    map[string]any
}

// Update edits a task's descriptive fields and emits task.updated.
// Status, assignee, and progress have dedicated operations.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (*Task, error) {
	return s.mutate(ctx, id, "update task", func(t *Task) (bus.EventType, map[string]any, error) {
		if p.Title != nil {
			title := strings.TrimSpace(*p.Title)
			if title == "" {
				return "", nil, fmt.Errorf("title is required")
			}
			t.Title = title
		}
		if p.Description != nil {
			t.Description = strings.TrimSpace(*p.Description)
		}
		if p.Metadata != nil {
			t.Metadata = cloneMeta(p.Metadata)
		}
		return bus.TaskUpdated, nil, nil
	})
}

// SetStatus moves a task to an arbitrary non-terminal-origin status and
// emits task.status_changed. Use Complete, Fail, or Cancel for terminal
// transitions that should announce their outcome.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (*Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("set status: unknown status %q", status)
	}
	return s.mutate(ctx, id, "set status", func(t *Task) (bus.EventType, map[string]any, error) {
		if t.Status.Terminal() {
			return "", nil, ErrFinalized
		}
		old := t.Status
		t.Status = status
		if status == StatusCompleted {
			t.Progress = 1
		}
		return bus.TaskStatusChanged, map[string]any{
			"old_status": string(old),
			"new_status": string(status),
		}, nil
	})
}

// Assign hands a task to a minion and emits task.assigned.
func (s *Service) Assign(ctx context.Context, id, assignee string) (*Task, error) {
	if strings.TrimSpace(assignee) == "" {
		return nil, fmt.Errorf("assign task: assignee is required")
	}
	return s.mutate(ctx, id, "assign task", func(t *Task) (bus.EventType, map[string]any, error) {
		if t.Status.Terminal() {
			return "", nil, ErrFinalized
		}
		t.AssignedTo = assignee
		return bus.TaskAssigned, nil, nil
	})
}

// ReportProgress records completion progress in [0,1] and emits
// task.progress_update. A pending task moves to in_progress as a side
// effect of its first report; the event carries the resulting status.
func (s *Service) ReportProgress(ctx context.Context, id string, progress float64, note string) (*Task, error) {
	return s.mutate(ctx, id, "report progress", func(t *Task) (bus.EventType, map[string]any, error) {
		if t.Status.Terminal() {
			return "", nil, ErrFinalized
		}
		t.Progress = clampProgress(progress)
		if t.Status == StatusPending {
			t.Status = StatusInProgress
		}
		data := map[string]any{}
		if note = strings.TrimSpace(note); note != "" {
			data["note"] = note
		}
		return bus.TaskProgressUpdate, data, nil
	})
}

// Complete finalizes a task as done and emits task.completed.
func (s *Service) Complete(ctx context.Context, id string) (*Task, error) {
	return s.mutate(ctx, id, "complete task", func(t *Task) (bus.EventType, map[string]any, error) {
		if t.Status.Terminal() {
			return "", nil, ErrFinalized
		}
		t.Status = StatusCompleted
		t.Progress = 1
		return bus.TaskCompleted, nil, nil
	})
}

// Fail finalizes a task as failed and emits task.failed.
func (s *Service) Fail(ctx context.Context, id, reason string) (*Task, error) {
	return s.mutate(ctx, id, "fail task", func(t *Task) (bus.EventType, map[string]any, error) {
		if t.Status.Terminal() {
			return "", nil, ErrFinalized
		}
		t.Status = StatusFailed
		data := map[string]any{}
		if reason = strings.TrimSpace(reason); reason != "" {
			data["reason"] = reason
		}
		return bus.TaskFailed, data, nil
	})
}

// Cancel finalizes a task as cancelled and emits task.cancelled.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Task, error) {
	return s.mutate(ctx, id, "cancel task", func(t *Task) (bus.EventType, map[string]any, error) {
		if t.Status.Terminal() {
			return "", nil, ErrFinalized
		}
		t.Status = StatusCancelled
		data := map[string]any{}
		if reason = strings.TrimSpace(reason); reason != "" {
			data["reason"] = reason
		}
		return bus.TaskCancelled, data, nil
	})
}

// Delete removes a task permanently and emits task.deleted. Terminal
// tasks can be deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	t, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("delete task: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("delete task: %w", err)
	}
	s.mu.Unlock()

	s.emit(bus.TaskDeleted, t, nil)
	return nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns all known tasks.
func (s *Service) List(ctx context.Context) ([]*Task, error) {
	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*Task, 0, len(all))
	for _, t := range all {
		out = append(out, t.Clone())
	}
	return out, nil
}

// ListByStatus returns tasks currently in the given status.
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("list tasks: unknown status %q", status)
	}
	all, err := s.repo.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*Task, 0, len(all))
	for _, t := range all {
		out = append(out, t.Clone())
	}
	return out, nil
}

// mutate runs one locked load-edit-save cycle and emits the event the
// edit function names. The edit sees a private copy; nothing is emitted
// unless the save succeeds.
func (s *Service) mutate(ctx context.Context, id, op string, edit func(*Task) (bus.EventType, map[string]any, error)) (*Task, error) {
	s.mu.Lock()
	t, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	eventType, extra, err := edit(t)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	t.UpdatedAt = time.Now().UTC()

	if err := s.repo.Save(ctx, t); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	s.mu.Unlock()

	s.emit(eventType, t, extra)
	return t.Clone(), nil
}

// load fetches a task and returns a private copy, translating the
// repository's nil-not-found convention into ErrNotFound.
func (s *Service) load(ctx context.Context, id string) (*Task, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// emit publishes one task.* event. Emission failures are logged rather
// than surfaced; the repository write already happened and remains the
// source of truth.
func (s *Service) emit(eventType bus.EventType, t *Task, extra map[string]any) {
	data := map[string]any{
		"task_id":  t.ID,
		"title":    t.Title,
		"status":   string(t.Status),
		"progress": t.Progress,
	}
	if t.AssignedTo != "" {
		data["assigned_to"] = t.AssignedTo
	}
	if t.CreatedBy != "" {
		data["created_by"] = t.CreatedBy
	}
	for k, v := range extra {
		data[k] = v
	}
	if _, err := s.bus.Emit(eventType, data, emitSource, nil); err != nil {
		s.log.Warn("task event rejected", "type", eventType, "task_id", t.ID, "error", err)
	}
}

func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "task_" + uuid.NewString()
	}
	return "task_" + id.String()
}

func clampProgress(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
