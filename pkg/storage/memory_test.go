package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBackendPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	if err := b.Put(ctx, "entities/nouns/vectors/ab/x.json", []byte(`{"id":"x"}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := b.Get(ctx, "entities/nouns/vectors/ab/x.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"id":"x"}` {
		t.Fatalf("unexpected value: %s", got)
	}

	if err := b.Delete(ctx, "entities/nouns/vectors/ab/x.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Get(ctx, "entities/nouns/vectors/ab/x.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestMemoryBackendList(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	keys := []string{"a/1", "a/2", "a/3", "b/1"}
	for _, k := range keys {
		if err := b.Put(ctx, k, []byte("v"), ""); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	page1, next, err := b.List(ctx, "a/", "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1) != 2 || next == "" {
		t.Fatalf("expected a 2-item page with continuation, got %v next=%q", page1, next)
	}

	page2, next2, err := b.List(ctx, "a/", next, 2)
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2) != 1 || next2 != "" {
		t.Fatalf("expected final 1-item page, got %v next=%q", page2, next2)
	}
}

func TestMemoryBackendIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	data := []byte("original")
	if err := b.Put(ctx, "k", data, ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	data[0] = 'X'

	got, err := b.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("backend should not alias caller's slice, got %s", got)
	}
}
