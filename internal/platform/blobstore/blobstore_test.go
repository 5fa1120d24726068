package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func stores(t *testing.T) map[string]BlobStore {
	t.Helper()
	fsStore, err := NewFileSystemStore(filepath.Join(t.TempDir(), "docs"), 0)
	if err != nil {
		t.Fatalf("NewFileSystemStore: %v", err)
	}
	return map[string]BlobStore{
		"memory":     NewInMemoryBlobStore(),
		"filesystem": fsStore,
	}
}

func readBlob(t *testing.T, store BlobStore, tenant, name string) string {
	t.Helper()
	rc, err := store.Download(context.Background(), tenant, name)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestBlobStore_UploadAndDownload(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := "scanned intake form"
			meta := BlobMetadata{
				TenantID:  "clinic_a",
				FileName:  "1001_intake.PDF",
				PatientID: "patient-1",
				Category:  "scanned_document",
				CreatedBy: "legacy-import",
			}

			result, err := store.Upload(context.Background(), meta, strings.NewReader(content))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.ID == "" {
				t.Fatal("expected non-empty ID")
			}
			if !strings.HasSuffix(result.StoredName, ".pdf") {
				t.Errorf("expected stored name to keep extension, got %s", result.StoredName)
			}
			if result.StoredName == meta.FileName {
				t.Error("stored name must differ from the original")
			}
			if result.ContentType != "application/pdf" {
				t.Errorf("expected application/pdf, got %s", result.ContentType)
			}
			if result.Size != int64(len(content)) {
				t.Errorf("expected Size=%d, got %d", len(content), result.Size)
			}
			want := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
			if result.Hash != want {
				t.Errorf("expected hash %s, got %s", want, result.Hash)
			}
			if result.CreatedAt.IsZero() {
				t.Error("expected non-zero CreatedAt")
			}

			if got := readBlob(t, store, "clinic_a", result.StoredName); got != content {
				t.Errorf("expected %q, got %q", content, got)
			}
		})
	}
}

func TestBlobStore_TenantsAreIsolated(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			res, err := store.Upload(context.Background(), BlobMetadata{TenantID: "clinic_a", FileName: "a.txt"}, strings.NewReader("x"))
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			_, err = store.Download(context.Background(), "clinic_b", res.StoredName)
			if !errors.Is(err, ErrBlobNotFound) {
				t.Fatalf("expected ErrBlobNotFound, got %v", err)
			}
		})
	}
}

func TestBlobStore_Validation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Upload(context.Background(), BlobMetadata{TenantID: "clinic_a"}, strings.NewReader("x"))
			if !errors.Is(err, ErrMissingFileName) {
				t.Errorf("expected ErrMissingFileName, got %v", err)
			}
			_, err = store.Upload(context.Background(), BlobMetadata{TenantID: "../etc", FileName: "a.txt"}, strings.NewReader("x"))
			if !errors.Is(err, ErrInvalidTenant) {
				t.Errorf("expected ErrInvalidTenant, got %v", err)
			}
		})
	}
}

func TestBlobStore_Delete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res, err := store.Upload(ctx, BlobMetadata{TenantID: "t1", FileName: "note.rtf"}, strings.NewReader("{\\rtf1 x}"))
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if err := store.Delete(ctx, "t1", res.StoredName); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := store.Delete(ctx, "t1", res.StoredName); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
			}
		})
	}
}

func TestFileSystemStore_RejectsTooLarge(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemStore(root, 8)
	if err != nil {
		t.Fatalf("NewFileSystemStore: %v", err)
	}
	_, err = store.Upload(context.Background(), BlobMetadata{TenantID: "t1", FileName: "big.pdf"}, strings.NewReader("0123456789"))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "t1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no leftover files, got %d", len(entries))
	}
}

func TestFileSystemStore_RejectsPathLikeNames(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileSystemStore: %v", err)
	}
	for _, name := range []string{"../x.pdf", "a/b.pdf", "", ".upload-1"} {
		if _, err := store.Download(context.Background(), "t1", name); !errors.Is(err, ErrBlobNotFound) {
			t.Errorf("%q: expected ErrBlobNotFound, got %v", name, err)
		}
	}
}

func TestFileSystemStore_CancelledContext(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileSystemStore: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Upload(ctx, BlobMetadata{TenantID: "t1", FileName: "a.txt"}, strings.NewReader("data"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInMemoryBlobStore_ConcurrentUploads(t *testing.T) {
	store := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			meta := BlobMetadata{TenantID: "t1", FileName: fmt.Sprintf("f%d.txt", i)}
			if _, err := store.Upload(context.Background(), meta, strings.NewReader("x")); err != nil {
				t.Errorf("Upload: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(store.List("t1")); got != 20 {
		t.Errorf("expected 20 blobs, got %d", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"a.pdf":  "application/pdf",
		"a.RTF":  "application/rtf",
		"a.doc":  "application/msword",
		"a.tif":  "image/tiff",
		"a.xyz1": "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentTypeFor(name); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}
