package storage

import "testing"

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "", nil)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}

func TestNewStoreBadger(t *testing.T) {
	store, err := NewStore("badger", "", nil)
	if err != nil {
		t.Fatalf("new badger store: %v", err)
	}
	if _, ok := store.(*BadgerStore); !ok {
		t.Fatalf("unexpected store type %T", store)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "", nil)
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}
