package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/channel-retriever/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://path/page.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, err := store.GetObject(context.Background(), "path/page.json")
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	stored[0] = 'X'
	again, _ := store.GetObject(context.Background(), "path/page.json")
	if string(again) != "content" {
		t.Fatalf("expected GetObject to return a copy, got %q", again)
	}
}

func TestBlobStoreListAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, p := range []string{"pages/a/2", "pages/a/1", "pages/ab/1", "cp.json"} {
		if _, err := store.PutObject(ctx, p, "", bytes.NewReader(nil)); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	got, err := store.ListObjects(ctx, "pages/a")
	if err != nil {
		t.Fatalf("ListObjects() error = %v", err)
	}
	if len(got) != 2 || got[0] != "pages/a/1" || got[1] != "pages/a/2" {
		t.Fatalf("unexpected listing %v", got)
	}

	if err := store.DeleteObject(ctx, "pages/a/1"); err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if _, err := store.GetObject(ctx, "pages/a/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
