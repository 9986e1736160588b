package task

import (
	"errors"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "dispatch-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)

	task := &Task{
		Title:       "Implement login API",
		Description: "POST /login with JWT",
		Type:        "backend",
		Priority:    PriorityHigh,
		ProjectID:   "proj-1",
	}
	id, err := store.Create(task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty ID")
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != task.Title {
		t.Errorf("Title = %q, want %q", got.Title, task.Title)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q (default)", got.Status, StatusPending)
	}
	if got.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want proj-1", got.ProjectID)
	}
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Update(t *testing.T) {
	store := newTestStore(t)

	task := &Task{Title: "orig", Description: "desc"}
	id, err := store.Create(task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	task.Status = StatusInProgress
	task.Result = []byte(`{"summary":"partial"}`)
	task.StartedAt = &now
	if err := store.Update(task); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("Status = %q, want in_progress", got.Status)
	}
	if string(got.Result) != `{"summary":"partial"}` {
		t.Errorf("Result = %s", got.Result)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not persisted")
	}
}

func TestSQLiteStore_Assign(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Create(&Task{Title: "t", Description: "d"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Assign(id, "backend"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusAssigned || got.AssignedTo != "backend" {
		t.Errorf("after Assign: status=%q assigned_to=%q", got.Status, got.AssignedTo)
	}
	if got.AssignedAt == nil {
		t.Error("AssignedAt not set")
	}

	// Second claim must lose.
	err = store.Assign(id, "frontend")
	if !errors.Is(err, ErrClaimed) {
		t.Fatalf("second Assign err = %v, want ErrClaimed", err)
	}
	got, _ = store.Get(id)
	if got.AssignedTo != "backend" {
		t.Errorf("AssignedTo = %q after losing claim, want backend", got.AssignedTo)
	}
}

func TestSQLiteStore_Assign_Queued(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Create(&Task{Title: "t", Description: "d", Status: StatusQueued, PreferredAgent: "backend"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Assign(id, "backend"); err != nil {
		t.Fatalf("Assign queued: %v", err)
	}
	got, _ := store.Get(id)
	if got.PreferredAgent != "" {
		t.Errorf("PreferredAgent = %q, want cleared", got.PreferredAgent)
	}
}

func TestSQLiteStore_List(t *testing.T) {
	store := newTestStore(t)

	tasks := []*Task{
		{Title: "t1", Description: "d", Status: StatusPending, AssignedTo: "backend", Priority: PriorityLow},
		{Title: "t2", Description: "d", Status: StatusCompleted, AssignedTo: "frontend"},
		{Title: "t3", Description: "d", Status: StatusAssigned, AssignedTo: "backend", Priority: PriorityCritical},
		{Title: "t4", Description: "d", Status: StatusPending, ProjectID: "p1"},
	}
	for _, task := range tasks {
		if _, err := store.Create(task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := store.List(Filter{})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("List all: got %d, want 4", len(all))
	}

	backend, err := store.List(Filter{AssignedTo: "backend"})
	if err != nil {
		t.Fatalf("List backend: %v", err)
	}
	if len(backend) != 2 {
		t.Fatalf("List backend: got %d, want 2", len(backend))
	}
	// Priority descending: critical t3 before low t1.
	if backend[0].Title != "t3" {
		t.Errorf("List backend[0] = %q, want t3 (higher priority first)", backend[0].Title)
	}

	live, err := store.List(Filter{Statuses: []Status{StatusPending, StatusAssigned}})
	if err != nil {
		t.Fatalf("List statuses: %v", err)
	}
	if len(live) != 3 {
		t.Errorf("List pending+assigned: got %d, want 3", len(live))
	}

	unowned, err := store.List(Filter{Unowned: true})
	if err != nil {
		t.Fatalf("List unowned: %v", err)
	}
	// t2 is terminal but still unowned by the filter's definition only if it
	// has no project and no assignee; t2 has an assignee, so only t4... which
	// has a project. Expect none besides tasks with neither set.
	for _, u := range unowned {
		if u.AssignedTo != "" || u.ProjectID != "" {
			t.Errorf("unowned returned owned task %q", u.Title)
		}
	}
}

func TestSQLiteStore_List_ByCreation(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(&Task{Title: "first", Description: "d", Priority: PriorityLow}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.Create(&Task{Title: "second", Description: "d", Priority: PriorityCritical}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.List(Filter{ByCreation: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Title != "first" {
		t.Errorf("ByCreation order wrong: %v", titles(got))
	}
}

func TestSQLiteStore_LiveIDs(t *testing.T) {
	store := newTestStore(t)

	live := []*Task{
		{Title: "b", Description: "d", Status: StatusQueued},
		{Title: "c", Description: "d", Status: StatusInProgress, AssignedTo: "backend"},
	}
	for _, task := range live {
		if _, err := store.Create(task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	// Pending tasks are routed, not mirrored, and terminal ones are done.
	for _, excluded := range []*Task{
		{Title: "a", Description: "d", Status: StatusPending},
		{Title: "done", Description: "d", Status: StatusCompleted},
	} {
		if _, err := store.Create(excluded); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	ids, err := store.LiveIDs()
	if err != nil {
		t.Fatalf("LiveIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("LiveIDs: got %d, want 2", len(ids))
	}
}

func TestSQLiteStore_Successor(t *testing.T) {
	store := newTestStore(t)

	next := &Task{Title: "deploy", Description: "d", Status: StatusPending, ProjectID: "p1"}
	nextID, err := store.Create(next)
	if err != nil {
		t.Fatalf("Create successor: %v", err)
	}
	first := &Task{Title: "build", Description: "d", NextTaskID: nextID, ProjectID: "p1"}
	firstID, err := store.Create(first)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Successor(firstID)
	if err != nil {
		t.Fatalf("Successor: %v", err)
	}
	if got == nil || got.ID != nextID {
		t.Fatalf("Successor = %v, want %s", got, nextID)
	}

	// No successor.
	got, err = store.Successor(nextID)
	if err != nil {
		t.Fatalf("Successor (none): %v", err)
	}
	if got != nil {
		t.Errorf("Successor = %v, want nil", got)
	}

	// Dangling link resolves to nil, not an error.
	first.NextTaskID = "gone"
	if err := store.Update(first); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = store.Successor(firstID)
	if err != nil || got != nil {
		t.Errorf("dangling Successor = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Create(&Task{Title: "to delete", Description: "d"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get deleted err = %v, want ErrNotFound", err)
	}
	if err := store.Delete("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete nonexistent err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_AssignConditional(t *testing.T) {
	store := NewMemStore()
	id, err := store.Create(&Task{Title: "t", Description: "d"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Assign(id, "backend"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := store.Assign(id, "frontend"); !errors.Is(err, ErrClaimed) {
		t.Fatalf("second Assign err = %v, want ErrClaimed", err)
	}
	got, _ := store.Get(id)
	if got.AssignedTo != "backend" {
		t.Errorf("AssignedTo = %q, want backend", got.AssignedTo)
	}
}

func titles(ts []*Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Title
	}
	return out
}
