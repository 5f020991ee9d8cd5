package app

import (
	"context"
	"fmt"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/storage"
)

// entryRecorder is the buffered, at-least-once writer for usage log rows
// (internal/worker.UsageRecorder satisfies this with a channel + batch flush).
type entryRecorder interface {
	Record(gateway.UsageLogEntry)
}

// UsagePipeline is the L7 usage accounting entry point: every billable
// request flows through Record once, which both queues the durable log
// row and materializes the running organization balance that
// ratelimit.CreditChecker reads on the next request. ResponseID is stored
// on the log row but nothing deduplicates by it, and the balance update has
// no dedup either: each Record call writes one row and applies its cost once.
type UsagePipeline struct {
	recorder entryRecorder
	balances storage.OrgBalanceStore
}

// NewUsagePipeline returns a UsagePipeline writing log rows through
// recorder and applying spend to balances. balances may be nil in tests
// that don't exercise credit enforcement.
func NewUsagePipeline(recorder entryRecorder, balances storage.OrgBalanceStore) *UsagePipeline {
	return &UsagePipeline{recorder: recorder, balances: balances}
}

// Record queues entry for durable storage and synchronously applies its
// cost/tokens to the organization's running balance. The balance update is
// synchronous (unlike the log insert) because CreditChecker's next read
// must observe this request's spend.
func (p *UsagePipeline) Record(ctx context.Context, entry gateway.UsageLogEntry) error {
	p.recorder.Record(entry)

	if p.balances == nil {
		return nil
	}
	if err := p.balances.ApplyUsage(ctx, entry.OrganizationID, entry.CostAmount.Int64(), int64(entry.TotalTokens)); err != nil {
		return fmt.Errorf("apply usage to balance: %w", err)
	}
	return nil
}
