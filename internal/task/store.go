// Package task provides the owner-scoped task store.
//
// Every query in this package is keyed by the owner's user id. A task
// that exists but belongs to someone else is indistinguishable from a
// task that does not exist — lookups never leak other owners' rows.
// The tool dispatcher is the only caller during agent turns.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/events"
)

// Field bounds, matching the upstream schema.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
)

// ErrTaskNotFound is returned when a task id does not exist within the
// owner's scope.
var ErrTaskNotFound = errors.New("task not found")

// StorageError wraps a database failure. It separates infrastructure
// faults from task-level outcomes like ErrTaskNotFound: callers must
// treat it as a failed operation, never as model-visible feedback.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("task storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Status filters for List.
type Status string

const (
	StatusAll       Status = "all"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ParseStatus validates a status filter string. Empty means all.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case "", StatusAll:
		return StatusAll, nil
	case StatusPending:
		return StatusPending, nil
	case StatusCompleted:
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("invalid status %q (valid: all, pending, completed)", s)
	}
}

// Task is a single todo item.
type Task struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Update describes a partial task mutation. Nil fields are left untouched.
type Update struct {
	Title       *string
	Description *string
	Completed   *bool
}

// Stats summarizes an owner's tasks for the dashboard.
type Stats struct {
	Total          int     `json:"total_tasks"`
	Pending        int     `json:"pending_tasks"`
	Completed      int     `json:"completed_tasks"`
	CompletionRate float64 `json:"completion_rate"`
}

// Store is the SQLite-backed task store.
type Store struct {
	db  *sql.DB
	bus *events.Bus
}

// NewStore creates a task store on an open database handle and ensures
// the schema exists. The bus may be nil; lifecycle events are then
// silently dropped.
func NewStore(db *sql.DB, bus *events.Bus) (*Store, error) {
	s := &Store{db: db, bus: bus}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_user_completed ON tasks(user_id, completed);
	`
	_, err := s.db.Exec(schema)
	return err
}

// validateTitle enforces title bounds shared by Create and Update.
func validateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title must not be empty")
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("title exceeds %d characters", MaxTitleLen)
	}
	return nil
}

// Create inserts a new task for the owner and returns it.
func (s *Store) Create(ctx context.Context, owner, title, description string) (*Task, error) {
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if len(description) > MaxDescriptionLen {
		return nil, fmt.Errorf("description exceeds %d characters", MaxDescriptionLen)
	}

	now := time.Now().UTC()
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)

	var desc any
	if description != "" {
		desc = description
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (user_id, title, description, completed, created_at, updated_at)
		VALUES (?, ?, ?, FALSE, ?, ?)
	`, owner, title, desc, now, now)
	if err != nil {
		return nil, storageErr("insert task", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("task id", err)
	}

	t := &Task{
		ID:          id,
		UserID:      owner,
		Title:       title,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.bus.Publish(events.Event{
		Source: events.SourceTasks,
		Kind:   events.KindTaskCreated,
		Data:   map[string]any{"user_id": owner, "task_id": id, "title": title},
	})

	return t, nil
}

// List returns the owner's tasks, newest first, optionally filtered by
// completion status.
func (s *Store) List(ctx context.Context, owner string, status Status) ([]Task, error) {
	q := `
		SELECT id, user_id, title, description, completed, created_at, updated_at
		FROM tasks WHERE user_id = ?`
	switch status {
	case StatusPending:
		q += ` AND completed = FALSE`
	case StatusCompleted:
		q += ` AND completed = TRUE`
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, q, owner)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tasks", err)
	}
	return tasks, nil
}

// Get returns one task within the owner's scope.
func (s *Store) Get(ctx context.Context, owner string, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, description, completed, created_at, updated_at
		FROM tasks WHERE id = ? AND user_id = ?
	`, id, owner)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return t, nil
}

// Update applies a partial mutation to a task within the owner's scope
// and returns the updated row.
func (s *Store) Update(ctx context.Context, owner string, id int64, upd Update) (*Task, error) {
	if upd.Title == nil && upd.Description == nil && upd.Completed == nil {
		return nil, fmt.Errorf("no fields to update")
	}
	if upd.Title != nil {
		if err := validateTitle(*upd.Title); err != nil {
			return nil, err
		}
	}
	if upd.Description != nil && len(*upd.Description) > MaxDescriptionLen {
		return nil, fmt.Errorf("description exceeds %d characters", MaxDescriptionLen)
	}

	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	if upd.Title != nil {
		t.Title = strings.TrimSpace(*upd.Title)
		changes["title"] = t.Title
	}
	if upd.Description != nil {
		t.Description = strings.TrimSpace(*upd.Description)
		changes["description"] = t.Description
	}
	if upd.Completed != nil {
		t.Completed = *upd.Completed
		changes["completed"] = t.Completed
	}
	t.UpdatedAt = time.Now().UTC()

	var desc any
	if t.Description != "" {
		desc = t.Description
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, completed = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, t.Title, desc, t.Completed, t.UpdatedAt, id, owner)
	if err != nil {
		return nil, storageErr("update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrTaskNotFound
	}

	s.bus.Publish(events.Event{
		Source: events.SourceTasks,
		Kind:   events.KindTaskUpdated,
		Data:   map[string]any{"user_id": owner, "task_id": id, "changes": changes},
	})

	return t, nil
}

// Complete marks a task complete within the owner's scope.
func (s *Store) Complete(ctx context.Context, owner string, id int64) (*Task, error) {
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	t.Completed = true
	t.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET completed = TRUE, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, t.UpdatedAt, id, owner)
	if err != nil {
		return nil, storageErr("complete task", err)
	}

	s.bus.Publish(events.Event{
		Source: events.SourceTasks,
		Kind:   events.KindTaskCompleted,
		Data:   map[string]any{"user_id": owner, "task_id": id, "title": t.Title},
	})

	return t, nil
}

// ToggleComplete flips a task's completion status within the owner's scope.
func (s *Store) ToggleComplete(ctx context.Context, owner string, id int64) (*Task, error) {
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	t.Completed = !t.Completed
	t.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET completed = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, t.Completed, t.UpdatedAt, id, owner)
	if err != nil {
		return nil, storageErr("toggle task", err)
	}

	kind := events.KindTaskUpdated
	if t.Completed {
		kind = events.KindTaskCompleted
	}
	s.bus.Publish(events.Event{
		Source: events.SourceTasks,
		Kind:   kind,
		Data:   map[string]any{"user_id": owner, "task_id": id, "title": t.Title},
	})

	return t, nil
}

// Delete removes a task within the owner's scope. Returns the deleted
// task's title for confirmation messages.
func (s *Store) Delete(ctx context.Context, owner string, id int64) (string, error) {
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return "", err
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = ? AND user_id = ?
	`, id, owner)
	if err != nil {
		return "", storageErr("delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrTaskNotFound
	}

	s.bus.Publish(events.Event{
		Source: events.SourceTasks,
		Kind:   events.KindTaskDeleted,
		Data:   map[string]any{"user_id": owner, "task_id": id},
	})

	return t.Title, nil
}

// Stats computes dashboard statistics for the owner.
func (s *Store) Stats(ctx context.Context, owner string) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN completed THEN 0 ELSE 1 END), 0),
		       COALESCE(SUM(CASE WHEN completed THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE user_id = ?
	`, owner).Scan(&st.Total, &st.Pending, &st.Completed)
	if err != nil {
		return nil, storageErr("task stats", err)
	}
	if st.Total > 0 {
		st.CompletionRate = float64(st.Completed) / float64(st.Total) * 100
	}
	return &st, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var t Task
	var desc sql.NullString
	if err := sc.Scan(&t.ID, &t.UserID, &t.Title, &desc, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	return &t, nil
}
