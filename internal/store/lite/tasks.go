package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/legionworks/legion/internal/tasks"
)

const selectTask = `SELECT id, title, description, status, assigned_to, created_by,
	progress, created_at, updated_at, metadata FROM tasks`

// TaskStore implements tasks.Repository.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) Save(ctx context.Context, t *tasks.Task) error {
	if t.ID == "" {
		t.ID = "task_" + uuid.Must(uuid.NewV7()).String()
	}
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal task metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, status, assigned_to, created_by,
			progress, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, description = excluded.description,
			status = excluded.status, assigned_to = excluded.assigned_to,
			progress = excluded.progress, updated_at = excluded.updated_at,
			metadata = excluded.metadata`,
		t.ID, t.Title, t.Description, string(t.Status), t.AssignedTo, t.CreatedBy,
		t.Progress, t.CreatedAt, t.UpdatedAt, meta,
	)
	return err
}

func (s *TaskStore) GetByID(ctx context.Context, id string) (*tasks.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *TaskStore) ListAll(ctx context.Context) ([]*tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) ListByStatus(ctx context.Context, status tasks.Status) ([]*tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTask+` WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func collectTasks(rows *sql.Rows) ([]*tasks.Task, error) {
	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(r rowScanner) (*tasks.Task, error) {
	var t tasks.Task
	var status string
	var meta []byte
	if err := r.Scan(&t.ID, &t.Title, &t.Description, &status, &t.AssignedTo,
		&t.CreatedBy, &t.Progress, &t.CreatedAt, &t.UpdatedAt, &meta); err != nil {
		return nil, err
	}
	t.Status = tasks.Status(status)
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("decode task metadata: %w", err)
	}
	t.Metadata = m
	return &t, nil
}
