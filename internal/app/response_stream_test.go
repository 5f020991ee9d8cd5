package app

import (
	"context"
	"sync"
	"testing"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/circuitbreaker"
	"github.com/nanogw/nanogw/internal/provider"
	"github.com/nanogw/nanogw/internal/testutil"
)

// fakeResponseStore is a minimal storage.ResponseStore + storage.ResponseItemStore
// backed by in-memory maps, enough to exercise ResponseService without a real DB.
type fakeResponseStore struct {
	mu        sync.Mutex
	responses map[string]*gateway.Response
	items     []*gateway.ResponseItem
}

func newFakeResponseStore() *fakeResponseStore {
	return &fakeResponseStore{responses: make(map[string]*gateway.Response)}
}

func (s *fakeResponseStore) CreateResponse(_ context.Context, r *gateway.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[r.ID] = r
	return nil
}

func (s *fakeResponseStore) GetResponse(_ context.Context, id string) (*gateway.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return r, nil
}

func (s *fakeResponseStore) UpdateResponse(_ context.Context, r *gateway.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[r.ID] = r
	return nil
}

func (s *fakeResponseStore) CreateItem(_ context.Context, item *gateway.ResponseItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func (s *fakeResponseStore) ListItemsByConversation(context.Context, string, string, int) ([]*gateway.ResponseItem, error) {
	return nil, nil
}

// fakeEntryRecorder records usage log entries synchronously for assertions,
// standing in for internal/worker.UsageRecorder's async batch flush.
type fakeEntryRecorder struct {
	mu      sync.Mutex
	entries []gateway.UsageLogEntry
}

func (r *fakeEntryRecorder) Record(e gateway.UsageLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *fakeEntryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *fakeEntryRecorder) last() gateway.UsageLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

// newStreamTestService wires a ResponseService around a FakeProvider's
// StreamFn, with a real ModelResolver/ProviderPool/UsagePipeline over
// in-memory fakes -- the same construction as cmd/nanogw/run.go, minus the DB.
func newStreamTestService(t *testing.T, streamFn func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)) (*ResponseService, *fakeResponseStore, *fakeEntryRecorder) {
	t.Helper()

	reg := provider.NewRegistry()
	reg.Register("openai", &testutil.FakeProvider{ProviderName: "openai", StreamFn: streamFn})

	modelStore := newFakeModelStore()
	registerModel(modelStore, "openai", "gpt-4o")

	pool := newPool(t, reg, modelStore, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()))
	store := newFakeResponseStore()
	recorder := &fakeEntryRecorder{}
	usage := NewUsagePipeline(recorder, nil)

	svc := NewResponseService(nil, pool, NewModelResolver(modelStore), usage)
	svc.responses = store
	svc.items = store
	return svc, store, recorder
}

func collectEvents(t *testing.T, ch <-chan ResponseEvent) []ResponseEvent {
	t.Helper()
	var events []ResponseEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestCreateStream_OrderingAndCompletion(t *testing.T) {
	t.Parallel()

	svc, _, recorder := newStreamTestService(t, func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		return testutil.FakeStreamChan(
			gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"hello "}}]}`)},
			gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"world"},"finish_reason":"stop"}]}`)},
			gateway.StreamChunk{Usage: &gateway.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
		), nil
	})

	principal := &gateway.Principal{OrganizationID: "org-1", WorkspaceID: "ws-1", APIKeyID: "key-1"}
	events, err := svc.CreateStream(context.Background(), principal, &gateway.ChatRequest{Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	got := collectEvents(t, events)
	if len(got) < 4 {
		t.Fatalf("got %d events, want at least 4: %+v", len(got), got)
	}
	if got[0].Name != EventResponseCreated {
		t.Errorf("event[0] = %q, want %q", got[0].Name, EventResponseCreated)
	}
	if got[1].Name != EventResponseInProgress {
		t.Errorf("event[1] = %q, want %q", got[1].Name, EventResponseInProgress)
	}
	last := got[len(got)-1]
	if last.Name != EventResponseCompleted && last.Name != EventResponseFailed && last.Name != EventResponseCancelled {
		t.Errorf("last event = %q, want one of completed/failed/cancelled", last.Name)
	}

	var deltas int
	for _, ev := range got {
		if ev.Name == EventResponseOutputDelta {
			deltas++
		}
	}
	if deltas != 2 {
		t.Errorf("delta events = %d, want 2", deltas)
	}

	if recorder.count() != 1 {
		t.Fatalf("usage entries recorded = %d, want 1", recorder.count())
	}
	entry := recorder.last()
	if entry.OutputTokens != 2 || entry.InputTokens != 3 {
		t.Errorf("entry tokens = in:%d out:%d, want in:3 out:2", entry.InputTokens, entry.OutputTokens)
	}
}

func TestCreateStream_DisconnectBillsPartialOutput(t *testing.T) {
	t.Parallel()

	// Provider sends 5 of 10 words, then the consumer's context is cancelled
	// (simulating client disconnect) before a terminal usage chunk arrives.
	ch := make(chan gateway.StreamChunk, 8)
	ch <- gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"one "}}]}`)}
	ch <- gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"two "}}]}`)}
	ch <- gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"three "}}]}`)}
	ch <- gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"four "}}]}`)}
	ch <- gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"five"}}]}`)}
	close(ch)

	svc, store, recorder := newStreamTestService(t, func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		return ch, nil
	})

	principal := &gateway.Principal{OrganizationID: "org-1", WorkspaceID: "ws-1", APIKeyID: "key-1"}
	ctx, cancel := context.WithCancel(context.Background())
	req := &gateway.ChatRequest{Model: "gpt-4o"}

	events, err := svc.CreateStream(ctx, principal, req, nil)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	// Simulate a disconnect: cancel the request context immediately.
	cancel()

	// Drain fully -- the finalizer goroutine keeps running (detached) even
	// though ctx is already cancelled, and closes events only once it's done.
	got := collectEvents(t, events)
	if len(got) == 0 {
		t.Fatal("expected at least the terminal event")
	}

	last := got[len(got)-1]
	if last.Name != EventResponseFailed {
		t.Errorf("last event = %q, want %q (disconnect finalizes as Failed per the engine's Completed-vs-Failed decision)", last.Name, EventResponseFailed)
	}

	if recorder.count() != 1 {
		t.Fatalf("usage entries recorded = %d, want 1", recorder.count())
	}
	entry := recorder.last()
	if entry.OutputTokens != 5 {
		t.Errorf("OutputTokens = %d, want 5 (word-count proxy over the 5-word partial output)", entry.OutputTokens)
	}

	var resp *gateway.Response
	for _, r := range store.responses {
		resp = r
	}
	if resp == nil {
		t.Fatal("no response persisted")
	}
	if resp.StopReason != gateway.StopClientDisconnect {
		t.Errorf("StopReason = %q, want %q", resp.StopReason, gateway.StopClientDisconnect)
	}
}

func TestCreateStream_ToolCallDelta(t *testing.T) {
	t.Parallel()

	svc, _, _ := newStreamTestService(t, func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		return testutil.FakeStreamChan(
			gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{}"}}]}}]}`)},
		), nil
	})

	principal := &gateway.Principal{OrganizationID: "org-1", WorkspaceID: "ws-1", APIKeyID: "key-1"}
	events, err := svc.CreateStream(context.Background(), principal, &gateway.ChatRequest{Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	got := collectEvents(t, events)
	var sawToolCall bool
	for _, ev := range got {
		if ev.Name == EventResponseToolCallDelta {
			sawToolCall = true
		}
	}
	if !sawToolCall {
		t.Errorf("events = %+v, want a %q event", got, EventResponseToolCallDelta)
	}
}
