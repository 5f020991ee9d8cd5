package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errLoadFailed = errors.New("load failed")

func TestMemory_GetSetDelete(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Get non-existent.
	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("should not find missing key")
	}

	// Set and get.
	m.Set(ctx, "k1", []byte("v1"), time.Minute)
	// otter processes Set asynchronously; wait briefly.
	time.Sleep(50 * time.Millisecond)

	val, ok := m.Get(ctx, "k1")
	if !ok {
		t.Fatal("should find k1")
	}
	if string(val) != "v1" {
		t.Errorf("value = %q, want %q", val, "v1")
	}

	// Delete.
	m.Delete(ctx, "k1")
	if _, ok := m.Get(ctx, "k1"); ok {
		t.Error("should not find deleted key")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Hour) // long default TTL
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Set with very short per-entry TTL.
	m.Set(ctx, "expiring", []byte("data"), 50*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// Get should check our per-entry expiry.
	time.Sleep(50 * time.Millisecond)
	if _, ok := m.Get(ctx, "expiring"); ok {
		t.Error("entry should be expired")
	}
}

func TestMemory_GetWithLoadsOnMiss(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var loads int32
	load := func() ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("loaded"), nil
	}

	data, hit, err := m.GetWith(ctx, "k", time.Minute, load)
	if err != nil {
		t.Fatalf("GetWith: %v", err)
	}
	if hit {
		t.Error("first call should be a miss")
	}
	if string(data) != "loaded" {
		t.Errorf("data = %q, want %q", data, "loaded")
	}
	time.Sleep(50 * time.Millisecond)

	data, hit, err = m.GetWith(ctx, "k", time.Minute, load)
	if err != nil {
		t.Fatalf("GetWith: %v", err)
	}
	if !hit {
		t.Error("second call should be a hit")
	}
	if string(data) != "loaded" {
		t.Errorf("data = %q, want %q", data, "loaded")
	}
	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Errorf("load called %d times, want 1", n)
	}
}

func TestMemory_GetWithPropagatesLoadError(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	wantErr := errLoadFailed
	_, hit, err := m.GetWith(ctx, "k", time.Minute, func() ([]byte, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if hit {
		t.Error("failed load should not report a hit")
	}
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("failed load should not populate the cache")
	}
}

func TestMemory_GetWithCollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var loads int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := m.GetWith(ctx, "shared", time.Minute, func() ([]byte, error) {
				atomic.AddInt32(&loads, 1)
				time.Sleep(10 * time.Millisecond)
				return []byte("v"), nil
			})
			if err != nil {
				t.Errorf("GetWith: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Errorf("load called %d times, want 1", n)
	}
}

func TestMemory_Purge(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	time.Sleep(50 * time.Millisecond)

	m.Purge(ctx)

	if _, ok := m.Get(ctx, "a"); ok {
		t.Error("purge should remove all keys")
	}
	if _, ok := m.Get(ctx, "b"); ok {
		t.Error("purge should remove all keys")
	}
}
