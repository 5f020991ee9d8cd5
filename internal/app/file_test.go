package app

import (
	"context"
	"testing"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/testutil"
)

func newFileService() (*FileService, *testutil.FakeStore, *testutil.FakeBlobStore) {
	store := testutil.NewFakeStore()
	blobs := testutil.NewFakeBlobStore()
	return NewFileService(store, blobs), store, blobs
}

func testPrincipal() *gateway.Principal {
	return &gateway.Principal{WorkspaceID: "ws-1", APIKeyID: "key-1"}
}

func TestFileUpload_Succeeds(t *testing.T) {
	t.Parallel()
	svc, _, blobs := newFileService()

	f, err := svc.Upload(context.Background(), testPrincipal(), "notes.txt", "user_data", "text/plain", []byte("hello world"), 0)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if f.Bytes != int64(len("hello world")) {
		t.Errorf("bytes = %d, want %d", f.Bytes, len("hello world"))
	}
	if f.MimeType != "text/plain" {
		t.Errorf("mime = %q, want text/plain", f.MimeType)
	}
	if f.ExpiresAt != nil {
		t.Error("expires_at should be nil when expiresAfterSeconds is 0")
	}

	stored, err := blobs.Get(context.Background(), f.StorageKey)
	if err != nil {
		t.Fatalf("blob get: %v", err)
	}
	if string(stored) != "hello world" {
		t.Errorf("blob content = %q, want %q", stored, "hello world")
	}
}

func TestFileUpload_RejectsInvalidPurpose(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFileService()
	_, err := svc.Upload(context.Background(), testPrincipal(), "x.txt", "not_a_purpose", "text/plain", []byte("hi"), 0)
	if err == nil {
		t.Fatal("expected an error for an invalid purpose")
	}
}

func TestFileUpload_RejectsUnsupportedMIMEType(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFileService()
	_, err := svc.Upload(context.Background(), testPrincipal(), "x.exe", "user_data", "application/octet-stream", []byte("hi"), 0)
	if err == nil {
		t.Fatal("expected an error for an unsupported MIME type")
	}
}

func TestFileUpload_RejectsOversizedFile(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFileService()
	big := make([]byte, gateway.MaxFileBytes+1)
	_, err := svc.Upload(context.Background(), testPrincipal(), "big.txt", "user_data", "text/plain", big, 0)
	if err == nil {
		t.Fatal("expected an error for a file exceeding MaxFileBytes")
	}
}

func TestFileUpload_RejectsNonUTF8TextFile(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFileService()
	invalid := []byte{0xFF, 0x01, 0x02}
	_, err := svc.Upload(context.Background(), testPrincipal(), "bad.txt", "user_data", "text/plain", invalid, 0)
	if err == nil {
		t.Fatal("expected an error for invalid text encoding")
	}
}

func TestFileUpload_AllowsBinaryMIMEWithoutEncodingCheck(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFileService()
	invalid := []byte{0xFF, 0x01, 0x02}
	_, err := svc.Upload(context.Background(), testPrincipal(), "doc.pdf", "user_data", "application/pdf", invalid, 0)
	if err != nil {
		t.Fatalf("binary MIME types should skip the encoding check: %v", err)
	}
}

func TestFileUpload_RejectsExpiryBeyondOneYear(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFileService()
	_, err := svc.Upload(context.Background(), testPrincipal(), "x.txt", "user_data", "text/plain", []byte("hi"), maxFileExpirySeconds+1)
	if err == nil {
		t.Fatal("expected an error when expires_after exceeds one year")
	}
}

func TestFileContent_RoundTrips(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFileService()
	uploaded, err := svc.Upload(context.Background(), testPrincipal(), "a.txt", "user_data", "text/plain", []byte("payload"), 0)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	meta, data, err := svc.Content(context.Background(), uploaded.ID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if meta.ID != uploaded.ID {
		t.Errorf("meta id = %q, want %q", meta.ID, uploaded.ID)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q, want %q", data, "payload")
	}
}

func TestFileDelete_RemovesMetadataAndBlob(t *testing.T) {
	t.Parallel()
	svc, store, blobs := newFileService()
	uploaded, err := svc.Upload(context.Background(), testPrincipal(), "a.txt", "user_data", "text/plain", []byte("payload"), 0)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := svc.Delete(context.Background(), uploaded.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetFile(context.Background(), uploaded.ID); err == nil {
		t.Error("metadata should be gone after delete")
	}
	if _, err := blobs.Get(context.Background(), uploaded.StorageKey); err == nil {
		t.Error("blob should be gone after delete")
	}
}

func TestFileList_FiltersByWorkspace(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFileService()
	ctx := context.Background()
	if _, err := svc.Upload(ctx, &gateway.Principal{WorkspaceID: "ws-a"}, "a.txt", "user_data", "text/plain", []byte("a"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Upload(ctx, &gateway.Principal{WorkspaceID: "ws-b"}, "b.txt", "user_data", "text/plain", []byte("b"), 0); err != nil {
		t.Fatal(err)
	}

	files, err := svc.List(ctx, "ws-a", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("files = %d, want 1", len(files))
	}
	if files[0].WorkspaceID != "ws-a" {
		t.Errorf("workspace = %q, want ws-a", files[0].WorkspaceID)
	}
}
