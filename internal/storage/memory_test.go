package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"edgebrain/internal/model"
)

func TestMemoryStoreConformance(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	err := store.SaveCheckpoint(context.Background(), testCheckpoint("run-1", 1, time.Now()))
	if err == nil {
		t.Fatal("expected not initialized error")
	}
}

func TestMemoryStoreRejectsVersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	checkpoint := testCheckpoint("run-1", 1, time.Now())
	checkpoint.SchemaVersion = CurrentSchemaVersion + 1
	if err := store.SaveCheckpoint(ctx, checkpoint); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestMemoryStoreCopiesCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	checkpoint := testCheckpoint("run-1", 1, time.Now())
	if err := store.SaveCheckpoint(ctx, checkpoint); err != nil {
		t.Fatalf("save: %v", err)
	}
	checkpoint.Classifier.Nodes[0].Edges[0] = model.EdgeRecord{From: 9, To: 9}

	loaded, _, err := store.GetCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Classifier.Nodes[0].Edges[0].From != 1 {
		t.Fatalf("stored checkpoint aliased caller slice: %+v", loaded.Classifier.Nodes[0])
	}
}
