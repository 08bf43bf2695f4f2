package store

import (
	"context"
	"testing"
	"time"

	"github.com/devflow/devflow/internal/task/models"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

func newTask(id string, status v1.TaskStatus) *models.Task {
	return &models.Task{
		ID:          id,
		Status:      status,
		Description: "task " + id,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestMemorySaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	progress := 42
	task := newTask("t1", v1.TaskStatusRunning)
	task.Progress = &progress
	task.Metadata = map[string]any{"source": "test"}

	if err := s.Save(ctx, task); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() = nil, want task")
	}
	if loaded.ID != task.ID || loaded.Status != task.Status || loaded.Description != task.Description {
		t.Errorf("Load() = %+v, want %+v", loaded, task)
	}
	if loaded.Progress == nil || *loaded.Progress != 42 {
		t.Errorf("Load() progress = %v, want 42", loaded.Progress)
	}

	// Mutating the loaded copy must not touch stored state.
	*loaded.Progress = 99
	loaded.Status = v1.TaskStatusFailed
	loaded.Metadata["source"] = "mutated"

	again, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *again.Progress != 42 {
		t.Errorf("stored progress = %d after caller mutation, want 42", *again.Progress)
	}
	if again.Status != v1.TaskStatusRunning {
		t.Errorf("stored status = %s after caller mutation, want running", again.Status)
	}
	if again.Metadata["source"] != "test" {
		t.Errorf("stored metadata = %v after caller mutation, want test", again.Metadata["source"])
	}
}

func TestMemoryLoadMissingReturnsNil(t *testing.T) {
	s := NewMemory()
	task, err := s.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if task != nil {
		t.Errorf("Load(missing) = %+v, want nil", task)
	}
}

func TestMemoryListFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	t1 := newTask("t1", v1.TaskStatusRunning)
	t1.SessionID = "s1"
	t2 := newTask("t2", v1.TaskStatusRunning)
	t2.SessionID = "s2"
	t3 := newTask("t3", v1.TaskStatusCompleted)
	t3.SessionID = "s1"
	for _, task := range []*models.Task{t1, t2, t3} {
		if err := s.Save(ctx, task); err != nil {
			t.Fatalf("Save(%s) error = %v", task.ID, err)
		}
	}

	all, err := s.List(ctx, models.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(all) returned %d tasks, want 3", len(all))
	}

	running := v1.TaskStatusRunning
	byStatus, err := s.List(ctx, models.Filter{Status: &running})
	if err != nil {
		t.Fatalf("List(status) error = %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("List(running) returned %d tasks, want 2", len(byStatus))
	}

	session := "s1"
	bySession, err := s.List(ctx, models.Filter{SessionID: &session})
	if err != nil {
		t.Fatalf("List(session) error = %v", err)
	}
	if len(bySession) != 2 {
		t.Errorf("List(s1) returned %d tasks, want 2", len(bySession))
	}

	// Both set is a conjunction.
	both, err := s.List(ctx, models.Filter{Status: &running, SessionID: &session})
	if err != nil {
		t.Fatalf("List(both) error = %v", err)
	}
	if len(both) != 1 || both[0].ID != "t1" {
		t.Errorf("List(running, s1) = %v, want exactly t1", both)
	}
}

func TestMemoryDeleteRemovesTaskAndJournal(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := newTask("t1", v1.TaskStatusPending)
	if err := s.Save(ctx, task); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.SaveEvent(ctx, &models.TaskEvent{ID: "e1", TaskID: "t1", Kind: models.EventCreated, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("SaveEvent() error = %v", err)
	}

	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	loaded, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != nil {
		t.Error("task still present after Delete()")
	}
	events, err := s.GetEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("journal has %d events after Delete(), want 0", len(events))
	}
}

func TestMemoryEventsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now().UTC()
	kinds := []models.EventKind{models.EventCreated, models.EventStatusChanged, models.EventProgressUpdated}
	for i, kind := range kinds {
		event := &models.TaskEvent{
			ID:        string(rune('a' + i)),
			TaskID:    "t1",
			Kind:      kind,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.SaveEvent(ctx, event); err != nil {
			t.Fatalf("SaveEvent(%d) error = %v", i, err)
		}
	}

	events, err := s.GetEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) != len(kinds) {
		t.Fatalf("GetEvents() returned %d events, want %d", len(events), len(kinds))
	}
	for i, event := range events {
		if event.Kind != kinds[i] {
			t.Errorf("event[%d].Kind = %s, want %s", i, event.Kind, kinds[i])
		}
	}
}
