package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://path/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), uri)
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", got)
	}
	got[0] = 'X'
	again, _ := store.GetObject(context.Background(), uri)
	if string(again) != "content" {
		t.Fatalf("expected GetObject to return a copy, got %q", again)
	}
}

func TestBlobStoreDeleteAndErrors(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	if _, err := store.PutObject(ctx, " ", "text/html", []byte("x")); err == nil {
		t.Fatal("expected error for empty path")
	}
	uri, _ := store.PutObject(ctx, "a", "text/plain", []byte("x"))
	if err := store.DeleteObject(ctx, uri); err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d objects", store.Len())
	}
	if _, err := store.GetObject(ctx, uri); err == nil {
		t.Fatal("expected missing object error")
	}
	if _, err := store.GetObject(ctx, "file:///a"); err == nil {
		t.Fatal("expected unsupported uri error")
	}
	if err := store.DeleteObject(ctx, "gs://b/a"); err == nil {
		t.Fatal("expected unsupported uri error")
	}
}
