package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/money"
)

// Named SSE event types for the /v1/responses wire envelope. Every event
// carries one JSON object as its data payload.
const (
	EventResponseCreated       = "response.created"
	EventResponseInProgress    = "response.in_progress"
	EventResponseOutputDelta   = "response.output_text.delta"
	EventResponseToolCallDelta = "response.tool_call.delta"
	EventResponseCompleted     = "response.completed"
	EventResponseFailed        = "response.failed"
	EventResponseCancelled     = "response.cancelled"
)

// ResponseEvent is one named event in the /v1/responses stream: event name
// plus its already-marshaled JSON payload.
type ResponseEvent struct {
	Name string
	Data []byte
}

// finalizeTimeout bounds the detached finalizer's DB writes once a stream's
// HTTP request context has already been cancelled by client disconnect.
const finalizeTimeout = 10 * time.Second

// CreateStream starts a streaming Responses-API call: it persists the
// in-progress Response row, dispatches to the provider pool, and returns a
// channel of named envelope events (response.created, response.in_progress,
// response.output_text.delta*, response.completed|.failed|.cancelled).
//
// The returned channel is closed only after the detached finalizer goroutine
// has drained the upstream provider channel to EOF and persisted the final
// Response/ResponseItem/usage record -- even if ctx is cancelled by a client
// disconnect partway through. Tokens already streamed are billed.
func (s *ResponseService) CreateStream(ctx context.Context, principal *gateway.Principal, req *gateway.ChatRequest, conversationID *string) (<-chan ResponseEvent, error) {
	inputMessages, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal input messages: %w", err)
	}

	resp := &gateway.Response{
		ID:             "resp_" + uuid.Must(uuid.NewV7()).String(),
		WorkspaceID:    principal.WorkspaceID,
		APIKeyID:       principal.APIKeyID,
		ConversationID: conversationID,
		Model:          req.Model,
		Status:         gateway.ResponseInProgress,
		InputMessages:  inputMessages,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.responses.CreateResponse(ctx, resp); err != nil {
		return nil, fmt.Errorf("create response: %w", err)
	}

	upstream, err := s.proxy.ChatCompletionStream(ctx, principal.OrganizationID, req)
	if err != nil {
		resp.Status = gateway.ResponseFailed
		resp.UpdatedAt = time.Now().UTC()
		_ = s.responses.UpdateResponse(ctx, resp)
		return nil, err
	}

	out := make(chan ResponseEvent, 16)
	go s.runResponseStream(ctx, principal, resp, conversationID, upstream, out)
	return out, nil
}

// runResponseStream is the detached finalizer: it owns resp and upstream for
// the remainder of the request, forwards named events to out while ctx is
// live, and always finishes by persisting state and enqueueing usage under a
// fresh timeout, regardless of whether the client is still listening.
func (s *ResponseService) runResponseStream(ctx context.Context, principal *gateway.Principal, resp *gateway.Response, conversationID *string, upstream <-chan gateway.StreamChunk, out chan<- ResponseEvent) {
	defer close(out)

	emit := func(name string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		ev := ResponseEvent{Name: name, Data: data}
		// Prefer delivering into the buffer even after ctx is cancelled --
		// a disconnected client's handler goroutine may still be draining
		// events, and the terminal event in particular must not be dropped
		// by a stray ctx.Done() race. Only give up once the buffer is full
		// and nothing is reading it anymore.
		select {
		case out <- ev:
			return
		default:
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	emit(EventResponseCreated, map[string]any{"response": resp})
	emit(EventResponseInProgress, map[string]any{"response": resp})

	var text strings.Builder
	var usage *gateway.Usage
	stop := gateway.StopStop
	var streamErr error

	for chunk := range upstream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Done {
			break
		}
		s.handleDeltaChunk(chunk.Data, &text, emit)
		if fr := gjson.GetBytes(chunk.Data, "choices.0.finish_reason"); fr.Exists() && fr.Str != "" {
			stop = stopReasonFromFinish(fr.Str)
		}
	}

	disconnected := false
	select {
	case <-ctx.Done():
		disconnected = true
		stop = gateway.StopClientDisconnect
	default:
	}

	// A disconnect finalizes as Failed -- the caller never received a
	// complete answer -- but the partial text and tokens generated so far
	// are still persisted and billed. A genuine upstream error also fails.
	status := gateway.ResponseCompleted
	event := EventResponseCompleted
	if disconnected || streamErr != nil {
		if streamErr != nil {
			stop = gateway.StopProviderError
		}
		status = gateway.ResponseFailed
		event = EventResponseFailed
	}

	finalizeCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	s.finalizeResponseStream(finalizeCtx, principal, resp, conversationID, text.String(), usage, status, stop)
	emit(event, map[string]any{"response": resp})
}

// handleDeltaChunk extracts content/tool-call deltas from a raw OpenAI-shaped
// chunk and emits the corresponding named event, accumulating assistant text
// for later persistence.
func (s *ResponseService) handleDeltaChunk(data []byte, text *strings.Builder, emit func(string, any)) {
	if delta := gjson.GetBytes(data, "choices.0.delta.content"); delta.Exists() && delta.Type == gjson.String {
		text.WriteString(delta.Str)
		emit(EventResponseOutputDelta, map[string]any{"delta": delta.Str})
		return
	}
	if toolCalls := gjson.GetBytes(data, "choices.0.delta.tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
		emit(EventResponseToolCallDelta, map[string]any{"tool_calls": json.RawMessage(toolCalls.Raw)})
	}
}

// finalizeResponseStream persists the assistant ResponseItem, updates the
// parent Response, and enqueues a usage record -- the three steps spec.md's
// streaming engine requires on every terminal event, run here under ctx
// (already detached from the original request's lifetime).
func (s *ResponseService) finalizeResponseStream(ctx context.Context, principal *gateway.Principal, resp *gateway.Response, conversationID *string, outputText string, usage *gateway.Usage, status gateway.ResponseStatus, stop gateway.StopReason) {
	// A client disconnect can end the stream before the provider emits its
	// terminal usage chunk. Tokens already generated are still billable, so
	// approximate a completion-token count from the accumulated text rather
	// than billing zero.
	if usage == nil && outputText != "" {
		n := approxTokenCount(outputText)
		usage = &gateway.Usage{CompletionTokens: n, TotalTokens: n}
	}

	outputMessage, err := json.Marshal([]gateway.Choice{{
		Index:        0,
		Message:      gateway.Message{Role: "assistant", Content: json.RawMessage(mustMarshalString(outputText))},
		FinishReason: string(stop),
	}})
	if err != nil {
		outputMessage = json.RawMessage("[]")
	}

	resp.Status = status
	resp.OutputMessage = outputMessage
	resp.Usage = usage
	resp.StopReason = stop
	resp.UpdatedAt = time.Now().UTC()
	if err := s.responses.UpdateResponse(ctx, resp); err != nil {
		return
	}

	item := &gateway.ResponseItem{
		ID:             "msg_" + uuid.Must(uuid.NewV7()).String(),
		ResponseID:     resp.ID,
		ConversationID: conversationID,
		APIKeyID:       principal.APIKeyID,
		Kind:           gateway.ItemKindMessage,
		Item:           outputMessage,
		CreatedAt:      time.Now().UTC(),
	}
	_ = s.items.CreateItem(ctx, item)

	if s.usage == nil || s.models == nil {
		return
	}
	entry := gateway.UsageLogEntry{
		ID:             uuid.Must(uuid.NewV7()).String(),
		OrganizationID: principal.OrganizationID,
		WorkspaceID:    principal.WorkspaceID,
		APIKeyID:       principal.APIKeyID,
		ResponseID:     resp.ID,
		ModelID:        resp.Model,
		RequestType:    "responses",
		StopReason:     stop,
		CostScale:      money.Scale,
		CostCurrency:   money.Currency,
		CreatedAt:      time.Now().UTC(),
	}
	if usage != nil {
		entry.InputTokens = usage.PromptTokens
		entry.OutputTokens = usage.CompletionTokens
		entry.TotalTokens = usage.TotalTokens
		if model, err := s.models.ResolveAndGetModel(ctx, resp.Model); err == nil {
			entry.ModelID = model.ID
			if cost, err := responseStreamCost(model, usage); err == nil {
				entry.CostAmount = cost
			}
		}
	}
	_ = s.usage.Record(ctx, entry)
}

// responseStreamCost computes total nano-USD cost from a model's per-token
// prices and actual token counts, mirroring server.costOf for the
// chat-completions path.
func responseStreamCost(model *gateway.Model, usage *gateway.Usage) (money.Amount, error) {
	in, err := model.InputCostAmount.MulTokens(int64(usage.PromptTokens))
	if err != nil {
		return 0, err
	}
	out, err := model.OutputCostAmount.MulTokens(int64(usage.CompletionTokens))
	if err != nil {
		return 0, err
	}
	return in.Add(out)
}

// approxTokenCount estimates a completion-token count from generated text
// when the stream ended before the provider's terminal usage chunk arrived.
// Word count is a coarse proxy for token count, but it is always > 0 for any
// non-empty partial output, which is what matters for "tokens already
// generated are billable" on disconnect.
func approxTokenCount(s string) int {
	return len(strings.Fields(s))
}

// stopReasonFromFinish maps an OpenAI-shaped finish_reason string to the
// closed StopReason set.
func stopReasonFromFinish(reason string) gateway.StopReason {
	switch reason {
	case "length":
		return gateway.StopLength
	case "content_filter":
		return gateway.StopContentFilter
	case "tool_calls":
		return gateway.StopToolCalls
	case "stop":
		return gateway.StopStop
	default:
		return gateway.StopOther
	}
}

// mustMarshalString marshals s as a JSON string, returning "null" bytes on
// the (impossible for valid UTF-8 input) error path so callers can embed the
// result directly as raw JSON without a second error check.
func mustMarshalString(s string) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		return []byte("null")
	}
	return data
}
