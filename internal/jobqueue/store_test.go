package jobqueue

import (
	"context"
	"errors"
	"testing"

	"mediaforge/internal/models"
)

func TestMemoryStoreRefusesTerminalTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := models.Job{ID: "j1", Kind: models.JobKindTranscode, State: models.JobStateRunning}
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save running: %v", err)
	}
	job.State = models.JobStateSucceeded
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("Save succeeded: %v", err)
	}

	job.State = models.JobStateQueued
	if err := store.Save(ctx, job); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	stored, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if stored.State != models.JobStateSucceeded {
		t.Fatalf("expected stored state to stay succeeded, got %s", stored.State)
	}
}

func TestMemoryStorePendingOrderedBySeq(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seed := []models.Job{
		{ID: "c", State: models.JobStateQueued, Seq: 30},
		{ID: "a", State: models.JobStateRunning, Seq: 10},
		{ID: "done", State: models.JobStateFailed, Seq: 5},
		{ID: "b", State: models.JobStateQueued, Seq: 20},
	}
	for _, job := range seed {
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("Save %s: %v", job.ID, err)
		}
	}
	pending, err := store.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending error: %v", err)
	}
	if len(pending) != 3 || pending[0].ID != "a" || pending[1].ID != "b" || pending[2].ID != "c" {
		t.Fatalf("unexpected pending order: %+v", pending)
	}

	next, err := store.NextSeq(ctx)
	if err != nil {
		t.Fatalf("NextSeq error: %v", err)
	}
	if next != 31 {
		t.Fatalf("expected sequence to continue after highest saved seq, got %d", next)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	if _, err := NewMemoryStore().Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
