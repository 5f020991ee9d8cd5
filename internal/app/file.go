package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/storage"
)

// allowedFileMIMETypes maps an accepted content type to whether it must
// decode as UTF-8/UTF-16/ASCII text. Binary formats (PDF, Word, PowerPoint)
// are exempt from the encoding check.
var allowedFileMIMETypes = map[string]bool{
	"text/x-c":            true,
	"text/x-c++":          true,
	"text/x-csharp":       true,
	"text/css":            true,
	"application/msword":  false,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": false,
	"text/x-golang":       true,
	"text/html":           true,
	"text/x-java":         true,
	"text/javascript":     true,
	"application/json":    true,
	"text/markdown":       true,
	"application/pdf":     false,
	"text/x-php":          true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": false,
	"text/x-python":       true,
	"text/x-script.python": true,
	"text/x-ruby":         true,
	"application/x-sh":    true,
	"text/x-tex":          true,
	"application/typescript": true,
	"text/plain":          true,
}

// validateFileMIMEType strips any charset parameter and checks it against
// the allowed upload set.
func validateFileMIMEType(contentType string) (string, error) {
	mimeType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if _, ok := allowedFileMIMETypes[mimeType]; !ok {
		return "", fmt.Errorf("%w: unsupported file type %q", gateway.ErrInvalidParams, mimeType)
	}
	return mimeType, nil
}

// validateFileEncoding rejects text-flavored uploads that are not valid
// UTF-8, UTF-16 (BOM-prefixed), or ASCII. Binary MIME types skip the check.
func validateFileEncoding(mimeType string, data []byte) error {
	if !allowedFileMIMETypes[mimeType] {
		return nil
	}
	if isValidUTF8OrASCII(data) {
		return nil
	}
	if len(data) >= 2 && ((data[0] == 0xFF && data[1] == 0xFE) || (data[0] == 0xFE && data[1] == 0xFF)) {
		return nil
	}
	return fmt.Errorf("%w: file is not valid UTF-8, UTF-16, or ASCII", gateway.ErrInvalidParams)
}

func isValidUTF8OrASCII(data []byte) bool {
	for i := 0; i < len(data); {
		b := data[i]
		if b < 0x80 {
			i++
			continue
		}
		n := 0
		switch {
		case b&0xE0 == 0xC0:
			n = 1
		case b&0xF0 == 0xE0:
			n = 2
		case b&0xF8 == 0xF0:
			n = 3
		default:
			return false
		}
		if i+n >= len(data) {
			return false
		}
		for j := 1; j <= n; j++ {
			if data[i+j]&0xC0 != 0x80 {
				return false
			}
		}
		i += n + 1
	}
	return true
}

// maxFileExpirySeconds caps expires_after.seconds at one year, matching the
// upstream files API.
const maxFileExpirySeconds = 365 * 24 * 60 * 60

// FileService validates, stores, and serves uploaded files (L6). Metadata
// lives in FileStore; bytes live in FileBlobStore, addressed by a
// per-upload storage key so two files never collide even with the same
// filename.
type FileService struct {
	files storage.FileStore
	blobs storage.FileBlobStore
}

// NewFileService returns a FileService backed by store for metadata and
// blobs for the raw bytes.
func NewFileService(store storage.FileStore, blobs storage.FileBlobStore) *FileService {
	return &FileService{files: store, blobs: blobs}
}

// Upload validates purpose/MIME type/encoding/size, stores the blob, and
// records metadata. expiresAfterSeconds of 0 means no expiry.
func (f *FileService) Upload(ctx context.Context, principal *gateway.Principal, filename, purpose, contentType string, data []byte, expiresAfterSeconds int64) (*gateway.File, error) {
	if !gateway.ValidFilePurpose(purpose) {
		return nil, fmt.Errorf("%w: invalid purpose %q", gateway.ErrInvalidParams, purpose)
	}
	if int64(len(data)) > gateway.MaxFileBytes {
		return nil, fmt.Errorf("%w: file too large: %d bytes (max %d)", gateway.ErrInvalidParams, len(data), gateway.MaxFileBytes)
	}
	mimeType, err := validateFileMIMEType(contentType)
	if err != nil {
		return nil, err
	}
	if err := validateFileEncoding(mimeType, data); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if expiresAfterSeconds > 0 {
		if expiresAfterSeconds > maxFileExpirySeconds {
			return nil, fmt.Errorf("%w: expires_after seconds cannot exceed %d (1 year)", gateway.ErrInvalidParams, maxFileExpirySeconds)
		}
		t := now.Add(time.Duration(expiresAfterSeconds) * time.Second)
		expiresAt = &t
	}

	id := "file-" + uuid.Must(uuid.NewV7()).String()
	key := storage.GenerateStorageKey(principal.WorkspaceID, id, filename)
	if err := f.blobs.Put(ctx, key, data, mimeType); err != nil {
		return nil, fmt.Errorf("store file blob: %w", err)
	}

	file := &gateway.File{
		ID:          id,
		WorkspaceID: principal.WorkspaceID,
		APIKeyID:    principal.APIKeyID,
		Filename:    filename,
		Purpose:     gateway.FilePurpose(purpose),
		MimeType:    mimeType,
		Bytes:       int64(len(data)),
		StorageKey:  key,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	if err := f.files.CreateFile(ctx, file); err != nil {
		_ = f.blobs.Delete(ctx, key)
		return nil, fmt.Errorf("create file metadata: %w", err)
	}
	return file, nil
}

// Get returns file metadata by id.
func (f *FileService) Get(ctx context.Context, id string) (*gateway.File, error) {
	return f.files.GetFile(ctx, id)
}

// List returns a workspace's uploaded files.
func (f *FileService) List(ctx context.Context, workspaceID string, offset, limit int) ([]*gateway.File, error) {
	return f.files.ListFiles(ctx, workspaceID, offset, limit)
}

// Content downloads and decrypts the blob belonging to the given file.
func (f *FileService) Content(ctx context.Context, id string) (*gateway.File, []byte, error) {
	meta, err := f.files.GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := f.blobs.Get(ctx, meta.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return meta, data, nil
}

// Delete removes both the metadata row and the underlying blob.
func (f *FileService) Delete(ctx context.Context, id string) error {
	meta, err := f.files.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if err := f.files.DeleteFile(ctx, id); err != nil {
		return err
	}
	return f.blobs.Delete(ctx, meta.StorageKey)
}
