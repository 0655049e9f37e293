package storage

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestFileStorePutGetDelete(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	body := "cover-bytes"
	if err := fs.Put(ctx, "cover.jpg", strings.NewReader(body), int64(len(body)), "image/jpeg"); err != nil {
		t.Fatalf("put: %v", err)
	}

	ok, err := fs.Exists(ctx, "cover.jpg")
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}

	r, err := fs.Get(ctx, "cover.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil || string(data) != body {
		t.Fatalf("read back = %q err=%v", data, err)
	}

	if err := fs.Delete(ctx, "cover.jpg"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = fs.Exists(ctx, "cover.jpg")
	if err != nil || ok {
		t.Fatalf("expected object gone, ok=%v err=%v", ok, err)
	}
}

func TestFileStoreDeleteMissingIsNotError(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := fs.Delete(context.Background(), "never-existed.png"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestFileStoreRefusesTraversalKeys(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	// filepath.Base strips directories, so the write stays inside basePath.
	if err := fs.Put(context.Background(), "../../etc/passwd", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err := fs.Exists(context.Background(), "passwd")
	if err != nil || !ok {
		t.Fatalf("expected file under base dir, ok=%v err=%v", ok, err)
	}
}
