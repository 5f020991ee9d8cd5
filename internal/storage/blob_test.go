package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const testHexKey = "abababababababababababababababababababababababababababababababab" // 64 hex chars = 32 bytes

func TestNewS3BlobStoreRejectsBadKey(t *testing.T) {
	t.Parallel()

	if _, err := NewS3BlobStore(nil, "bucket", "not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := NewS3BlobStore(nil, "bucket", "deadbeef"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestGenerateStorageKey(t *testing.T) {
	t.Parallel()

	got := GenerateStorageKey("ws_1", "file_2", "report.pdf")
	want := "ws_1/file_2/report.pdf"
	if got != want {
		t.Errorf("GenerateStorageKey = %q, want %q", got, want)
	}
}

// fakeS3 is a minimal in-memory object store that speaks just enough of the
// S3 REST surface (PUT/GET/DELETE on /bucket/key) for S3BlobStore's calls.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *httptest.Server {
	f := &fakeS3{objects: make(map[string][]byte)}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.objects[r.URL.Path] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := f.objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		case http.MethodDelete:
			delete(f.objects, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func testBlobStore(t *testing.T, srv *httptest.Server) *S3BlobStore {
	t.Helper()
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
	})
	store, err := NewS3BlobStore(client, "test-bucket", testHexKey)
	if err != nil {
		t.Fatalf("NewS3BlobStore: %v", err)
	}
	return store
}

func TestS3BlobStorePutGetRoundTrip(t *testing.T) {
	t.Parallel()

	srv := newFakeS3()
	t.Cleanup(srv.Close)
	store := testBlobStore(t, srv)
	ctx := context.Background()

	plaintext := []byte("hello, these are the file bytes")
	if err := store.Put(ctx, "ws/file/report.txt", plaintext, "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "ws/file/report.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Get returned %q, want %q", got, plaintext)
	}
}

func TestS3BlobStoreGetMissing(t *testing.T) {
	t.Parallel()

	srv := newFakeS3()
	t.Cleanup(srv.Close)
	store := testBlobStore(t, srv)

	if _, err := store.Get(context.Background(), "ws/file/missing.txt"); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestS3BlobStoreDelete(t *testing.T) {
	t.Parallel()

	srv := newFakeS3()
	t.Cleanup(srv.Close)
	store := testBlobStore(t, srv)
	ctx := context.Background()

	if err := store.Put(ctx, "ws/file/x.txt", []byte("data"), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "ws/file/x.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "ws/file/x.txt"); err == nil {
		t.Error("expected error after delete")
	}
}

func TestS3BlobStoreCiphertextIsNotPlaintext(t *testing.T) {
	t.Parallel()

	srv := newFakeS3()
	t.Cleanup(srv.Close)
	store := testBlobStore(t, srv)
	ctx := context.Background()

	plaintext := []byte("secret file contents")
	if err := store.Put(ctx, "ws/file/secret.txt", plaintext, "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	raw, err := store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("test-bucket"),
		Key:    aws.String("ws/file/secret.txt"),
	})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer raw.Body.Close()
	sealed, _ := io.ReadAll(raw.Body)

	if bytes.Contains(sealed, plaintext) {
		t.Error("stored object contains plaintext; encryption did not run")
	}
}
