package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	if _, err := kv.Get(ctx, KeySites); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := kv.Set(ctx, KeySites, []byte(`[{"url":"https://example.com"}]`)); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	value, err := kv.Get(ctx, KeySites)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(value) != `[{"url":"https://example.com"}]` {
		t.Fatalf("unexpected value %q", value)
	}

	if err := kv.Delete(ctx, KeySites); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := kv.Get(ctx, KeySites); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	original := []byte("abc")
	if err := kv.Set(ctx, KeyClientID, original); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	original[0] = 'z'

	value, err := kv.Get(ctx, KeyClientID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(value) != "abc" {
		t.Fatalf("expected stored value to be isolated from caller mutation, got %q", value)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "store.json")

	kv, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	if err := kv.Set(ctx, KeyClientID, []byte("deadbeef")); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if err := kv.Set(ctx, KeySites, []byte(`[]`)); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	value, err := reopened.Get(ctx, KeyClientID)
	if err != nil {
		t.Fatalf("Get after reopen returned error: %v", err)
	}
	if string(value) != "deadbeef" {
		t.Fatalf("unexpected value after reopen: %q", value)
	}
}

func TestFileStoreDeleteRemovesKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	kv, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	if err := kv.Set(ctx, KeyKeyPair, []byte("pem")); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if err := kv.Delete(ctx, KeyKeyPair); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	if _, err := reopened.Get(ctx, KeyKeyPair); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileStoreIgnoresEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	if _, err := NewFileStore(path); err != nil {
		t.Fatalf("expected empty file to be tolerated, got %v", err)
	}
}
