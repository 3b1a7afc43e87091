package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store := New("mem://docpipe-test", nil)
	ctx := context.Background()

	ref := store.Ref("doc-1", "original.pdf")
	payload := []byte("%PDF-1.4 test")

	if err := store.Upload(ctx, ref, payload); err != nil {
		t.Fatalf("upload: %v", err)
	}

	ok, err := store.Exists(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}

	got, err := store.Download(ctx, ref)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}

	dest := filepath.Join(t.TempDir(), "local.pdf")
	if err := store.DownloadTo(ctx, ref, dest); err != nil {
		t.Fatalf("download to: %v", err)
	}
	local, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(local, payload) {
		t.Fatalf("local payload mismatch: %q", local)
	}

	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := store.Exists(ctx, ref); ok {
		t.Fatal("ref must not exist after delete")
	}
}

func TestRefJoinsUnderBase(t *testing.T) {
	store := New("mem://docpipe-test", nil)
	ref := store.Ref("abc", "pages/0001.png")
	if ref != "mem://docpipe-test/abc/pages/0001.png" {
		t.Fatalf("unexpected ref: %s", ref)
	}
}
