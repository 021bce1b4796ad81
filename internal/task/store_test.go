package task

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "alice", "buy milk", "2% if they have it")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.ID == 0 {
		t.Error("Create() returned zero id")
	}

	got, err := s.Get(ctx, "alice", created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Title != "buy milk" || got.Description != "2% if they have it" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Completed {
		t.Error("new task should not be completed")
	}
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		title string
		desc  string
	}{
		{"empty title", "", ""},
		{"whitespace title", "   ", ""},
		{"title too long", strings.Repeat("x", MaxTitleLen+1), ""},
		{"description too long", "ok", strings.Repeat("y", MaxDescriptionLen+1)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Create(ctx, "alice", tc.title, tc.desc); err == nil {
				t.Error("Create() succeeded, want validation error")
			}
		})
	}
}

func TestOwnerScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "bob", "bob's secret task", "")
	if err != nil {
		t.Fatal(err)
	}

	// Alice cannot see, update, complete, or delete Bob's task.
	if _, err := s.Get(ctx, "alice", created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get() cross-owner error = %v, want ErrTaskNotFound", err)
	}
	title := "stolen"
	if _, err := s.Update(ctx, "alice", created.ID, Update{Title: &title}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Update() cross-owner error = %v, want ErrTaskNotFound", err)
	}
	if _, err := s.Complete(ctx, "alice", created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Complete() cross-owner error = %v, want ErrTaskNotFound", err)
	}
	if _, err := s.Delete(ctx, "alice", created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Delete() cross-owner error = %v, want ErrTaskNotFound", err)
	}

	// Bob's task is untouched.
	got, err := s.Get(ctx, "bob", created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Title != "bob's secret task" || got.Completed {
		t.Errorf("task was modified across owners: %+v", got)
	}

	// And Alice's list is empty.
	tasks, err := s.List(ctx, "alice", StatusAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("List() for alice = %d tasks, want 0", len(tasks))
	}
}

func TestListStatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1, _ := s.Create(ctx, "alice", "one", "")
	if _, err := s.Create(ctx, "alice", "two", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(ctx, "alice", t1.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		status Status
		want   int
	}{
		{StatusAll, 2},
		{StatusPending, 1},
		{StatusCompleted, 1},
	}
	for _, tc := range tests {
		tasks, err := s.List(ctx, "alice", tc.status)
		if err != nil {
			t.Fatalf("List(%s) error: %v", tc.status, err)
		}
		if len(tasks) != tc.want {
			t.Errorf("List(%s) = %d tasks, want %d", tc.status, len(tasks), tc.want)
		}
	}
}

func TestUpdatePartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, "alice", "science homework", "chapter 4")

	title := "chemistry homework"
	got, err := s.Update(ctx, "alice", created.ID, Update{Title: &title})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got.Title != "chemistry homework" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.Description != "chapter 4" {
		t.Errorf("Description = %q, want untouched value", got.Description)
	}

	if _, err := s.Update(ctx, "alice", created.ID, Update{}); err == nil {
		t.Error("Update() with no fields should error")
	}
}

func TestDeleteReturnsTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, "alice", "doomed", "")
	title, err := s.Delete(ctx, "alice", created.ID)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if title != "doomed" {
		t.Errorf("Delete() title = %q", title)
	}

	if _, err := s.Get(ctx, "alice", created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Error("task still present after Delete()")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 || st.CompletionRate != 0 {
		t.Errorf("empty Stats() = %+v", st)
	}

	t1, _ := s.Create(ctx, "alice", "a", "")
	s.Create(ctx, "alice", "b", "")
	s.Create(ctx, "alice", "c", "")
	s.Create(ctx, "bob", "not alice's", "")
	s.Complete(ctx, "alice", t1.ID)

	st, err = s.Stats(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.Pending != 2 || st.Completed != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.CompletionRate < 33.0 || st.CompletionRate > 34.0 {
		t.Errorf("CompletionRate = %f", st.CompletionRate)
	}
}

func TestEventsPublished(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	s, err := NewStore(db, bus)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	created, _ := s.Create(ctx, "alice", "evented", "")
	s.Complete(ctx, "alice", created.ID)
	s.Delete(ctx, "alice", created.ID)

	var kinds []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			t.Fatalf("expected 3 events, got %d", len(kinds))
		}
	}

	want := []string{events.KindTaskCreated, events.KindTaskCompleted, events.KindTaskDeleted}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], k)
		}
	}
}

func TestStorageErrorOnDatabaseFault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "alice", "doomed", ""); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := s.db.Exec(`DROP TABLE tasks`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	_, err := s.Create(ctx, "alice", "after fault", "")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Create() error = %v, want *StorageError", err)
	}
	if se.Op != "insert task" {
		t.Errorf("Op = %q", se.Op)
	}

	// Every operation reports the fault the same way, and never as a
	// task-level outcome like ErrTaskNotFound.
	if _, err := s.List(ctx, "alice", StatusAll); !errors.As(err, &se) {
		t.Errorf("List() error = %v, want *StorageError", err)
	}
	if _, err := s.Get(ctx, "alice", 1); !errors.As(err, &se) || errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get() error = %v, want *StorageError", err)
	}
	if _, err := s.Complete(ctx, "alice", 1); !errors.As(err, &se) {
		t.Errorf("Complete() error = %v, want *StorageError", err)
	}
	if _, err := s.Delete(ctx, "alice", 1); !errors.As(err, &se) {
		t.Errorf("Delete() error = %v, want *StorageError", err)
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("bogus"); err == nil {
		t.Error("ParseStatus(bogus) should error")
	}
	got, err := ParseStatus("")
	if err != nil || got != StatusAll {
		t.Errorf("ParseStatus(\"\") = %v, %v", got, err)
	}
}
