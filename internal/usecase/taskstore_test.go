package usecase

import (
	"errors"
	"testing"
	"time"

	"opsbridge/internal/domain"
)

func TestTaskStoreAddGet(t *testing.T) {
	store := NewTaskStore(discardLogger())
	task := newTestTask(t)

	if err := store.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := store.Get(task.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != task {
		t.Error("Get returned a different task")
	}
}

func TestTaskStoreDuplicate(t *testing.T) {
	store := NewTaskStore(discardLogger())
	task := newTestTask(t)
	if err := store.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Add(task); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestTaskStoreGetNotFound(t *testing.T) {
	store := NewTaskStore(discardLogger())
	_, err := store.Get("nope")
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestTaskStoreRemove(t *testing.T) {
	store := NewTaskStore(discardLogger())
	task := newTestTask(t)
	if err := store.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	store.Remove(task.ID())
	if _, err := store.Get(task.ID()); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound after Remove", err)
	}
}

func TestSweepFinishedRemovesOnlyStaleTerminal(t *testing.T) {
	store := NewTaskStore(discardLogger())

	finished := newTestTask(t)
	if err := finished.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := finished.Complete(nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	live := newTestTask(t)
	if err := live.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := store.Add(finished); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Add(live); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Let the finished task age past the cutoff.
	time.Sleep(20 * time.Millisecond)

	removed := store.SweepFinished(10 * time.Millisecond)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(finished.ID()); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Error("finished task should be swept")
	}
	if _, err := store.Get(live.ID()); err != nil {
		t.Errorf("live task must survive the sweep: %v", err)
	}
	if store.Count() != 1 {
		t.Errorf("Count = %d, want 1", store.Count())
	}
}

func TestSweepFinishedKeepsRecentTerminal(t *testing.T) {
	store := NewTaskStore(discardLogger())
	task := newTestTask(t)
	if err := task.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := task.Complete(nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := store.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if removed := store.SweepFinished(time.Hour); removed != 0 {
		t.Errorf("removed = %d, want 0 for a fresh terminal task", removed)
	}
	if _, err := store.Get(task.ID()); err != nil {
		t.Errorf("recent terminal task must stay queryable: %v", err)
	}
}
