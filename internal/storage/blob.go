package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	gateway "github.com/nanogw/nanogw/internal"
)

// FileBlobStore holds uploaded file bytes, addressed by the storage key
// generated at upload time (workspace/file/filename). Metadata about the
// upload (size, purpose, expiry) lives in FileStore; this store never sees
// that metadata, only opaque keys and bytes.
type FileBlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// GenerateStorageKey mirrors the upstream convention of namespacing blobs
// by workspace and file id so two uploads can never collide even if a
// caller reuses a filename.
func GenerateStorageKey(workspaceID, fileID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", workspaceID, fileID, filename)
}

// S3BlobStore persists file blobs to S3, encrypting each object with
// AES-256-GCM before upload and decrypting on read. The nonce is prepended
// to the ciphertext so a single object is self-describing.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	key    []byte // 32 bytes, AES-256
}

// NewS3BlobStore builds a blob store over bucket using client, encrypting
// with hexKey (a 64-char hex string decoding to 32 bytes).
func NewS3BlobStore(client *s3.Client, bucket, hexKey string) (*S3BlobStore, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid encryption key encoding: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("storage: encryption key must be 32 bytes, got %d", len(key))
	}
	return &S3BlobStore{client: client, bucket: bucket, key: key}, nil
}

func (b *S3BlobStore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Put encrypts data and uploads it to S3 under key.
func (b *S3BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	gcm, err := b.gcm()
	if err != nil {
		return fmt.Errorf("storage: build cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("storage: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, data, nil)

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(sealed),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", gateway.ErrProviderError, key, err)
	}
	return nil
}

// Get downloads and decrypts the blob stored under key.
func (b *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %v", gateway.ErrNotFound, key, err)
	}
	defer out.Body.Close()

	sealed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read blob body: %w", err)
	}

	gcm, err := b.gcm()
	if err != nil {
		return nil, fmt.Errorf("storage: build cipher: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("storage: ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt blob: %w", err)
	}
	return plain, nil
}

// Delete removes the blob stored under key.
func (b *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", gateway.ErrProviderError, key, err)
	}
	return nil
}
