package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/nanogw/nanogw/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, entries []gateway.UsageLogEntry) error
}

// UsageRecorder buffers usage log entries and batch-flushes them to the
// store. Entries are dropped if the channel is full (back-pressure on a
// slow database beats blocking the request path).
type UsageRecorder struct {
	ch    chan gateway.UsageLogEntry
	store UsageStore
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan gateway.UsageLogEntry, usageChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage log entry. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(e gateway.UsageLogEntry) {
	select {
	case u.ch <- e:
	default:
		slog.Warn("usage entry dropped, channel full")
	}
}

// Run processes entries until ctx is cancelled, then drains remaining entries.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.UsageLogEntry, 0, usageBatchSize)

	for {
		select {
		case e := <-u.ch:
			buf = append(buf, e)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []gateway.UsageLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case e := <-u.ch:
			buf = append(buf, e)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []gateway.UsageLogEntry) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.UsageLogEntry, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
		if batch[i].CreatedAt.IsZero() {
			batch[i].CreatedAt = time.Now().UTC()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
