package testutil

import (
	"bytes"
	"context"
	"sync"

	gateway "github.com/nanogw/nanogw/internal"
)

// FakeBlobStore is an in-memory storage.FileBlobStore for tests.
type FakeBlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewFakeBlobStore returns an empty FakeBlobStore.
func NewFakeBlobStore() *FakeBlobStore {
	return &FakeBlobStore{data: make(map[string][]byte)}
}

func (b *FakeBlobStore) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := bytes.Clone(data)
	b.data[key] = cp
	return nil
}

func (b *FakeBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.data[key]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (b *FakeBlobStore) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}
