package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/circuitbreaker"
	"github.com/nanogw/nanogw/internal/provider"
	"github.com/nanogw/nanogw/internal/storage"
)

// defaultConcurrentLimit is the per-(org,model) semaphore capacity used when
// an organization has no explicit ConcurrentLimit configured.
const defaultConcurrentLimit = 64

// ProviderPool dispatches chat/embedding/capability requests to the backend
// registered for a resolved model, enforcing a per-(org,model) concurrency
// bound ahead of every dispatch and priority failover across providers that
// claim the same model name is not itself modeled here -- each Model resolves
// to exactly one provider via ProviderID, so failover is the caller retrying
// against circuit-breaker state rather than a target list.
type ProviderPool struct {
	providers *provider.Registry
	models    *ModelResolver
	orgs      storage.OrgStore
	tracer    trace.Tracer             // nil disables tracing
	breakers  *circuitbreaker.Registry // nil disables circuit breaking

	semMu sync.Mutex
	sems  map[string]chan struct{}
}

// NewProviderPool returns a ProviderPool wired to the given provider registry,
// model resolver and organization store. Pass a nil tracer to disable
// tracing and a nil breakers registry to disable circuit breaking.
func NewProviderPool(providers *provider.Registry, models *ModelResolver, orgs storage.OrgStore, tracer trace.Tracer, breakers *circuitbreaker.Registry) *ProviderPool {
	return &ProviderPool{
		providers: providers,
		models:    models,
		orgs:      orgs,
		tracer:    tracer,
		breakers:  breakers,
		sems:      make(map[string]chan struct{}),
	}
}

// semaphoreKey composes the concurrent map key spec.md describes: a UUID and
// a string joined so no model name can collide with an organization id.
func semaphoreKey(orgID, modelName string) string {
	return orgID + "\x00" + modelName
}

// semaphoreFor returns the (org,model) semaphore, creating one on first use
// sized to org.ConcurrentLimit or defaultConcurrentLimit. Lookup and creation
// both happen under semMu, so concurrent first callers share one semaphore.
func (pp *ProviderPool) semaphoreFor(ctx context.Context, orgID, modelName string) chan struct{} {
	key := semaphoreKey(orgID, modelName)

	pp.semMu.Lock()
	defer pp.semMu.Unlock()
	if sem, ok := pp.sems[key]; ok {
		return sem
	}

	capacity := defaultConcurrentLimit
	if org, err := pp.orgs.GetOrg(ctx, orgID); err == nil && org.ConcurrentLimit != nil {
		capacity = *org.ConcurrentLimit
	}
	sem := make(chan struct{}, capacity)
	pp.sems[key] = sem
	return sem
}

// acquire takes one permit from the (org,model) semaphore without blocking.
// Per spec.md's backpressure rule, a saturated semaphore fails the request
// immediately with ErrServiceOverloaded rather than queuing it.
func (pp *ProviderPool) acquire(ctx context.Context, orgID, modelName string) (release func(), err error) {
	sem := pp.semaphoreFor(ctx, orgID, modelName)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	default:
		return nil, fmt.Errorf("%w: %s at capacity for org %s", gateway.ErrServiceOverloaded, modelName, orgID)
	}
}

// dispatch resolves the canonical model, acquires its concurrency permit and
// returns the backend provider plus a release func the caller must always
// invoke once dispatch completes (success, error, or cancellation).
func (pp *ProviderPool) dispatch(ctx context.Context, orgID, name string) (gateway.Provider, *gateway.Model, func(), error) {
	m, err := pp.models.ResolveAndGetModel(ctx, name)
	if err != nil {
		return nil, nil, nil, err
	}

	release, err := pp.acquire(ctx, orgID, m.CanonicalName)
	if err != nil {
		return nil, nil, nil, err
	}

	if pp.breakers != nil {
		if cb := pp.breakers.Get(m.ProviderID); cb != nil && !cb.Allow() {
			release()
			return nil, nil, nil, fmt.Errorf("%w: circuit breaker open for %s", gateway.ErrProviderError, m.ProviderID)
		}
	}

	p, err := pp.providers.Get(m.ProviderID)
	if err != nil {
		release()
		return nil, nil, nil, fmt.Errorf("%w: %w", gateway.ErrProviderError, err)
	}
	return p, m, release, nil
}

// ChatCompletion resolves the requested model, enforces its (org,model)
// concurrency bound and forwards the chat completion request.
func (pp *ProviderPool) ChatCompletion(ctx context.Context, orgID string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	p, m, release, err := pp.dispatch(ctx, orgID, req.Model)
	if err != nil {
		return nil, err
	}
	defer release()

	origModel := req.Model
	req.Model = m.CanonicalName

	callCtx := ctx
	var span trace.Span
	if pp.tracer != nil {
		callCtx, span = pp.tracer.Start(ctx, "provider.ChatCompletion",
			trace.WithAttributes(
				attribute.String("provider", m.ProviderID),
				attribute.String("model", m.CanonicalName),
			),
		)
	}
	resp, err := p.ChatCompletion(callCtx, req)
	if span != nil {
		span.End()
	}
	req.Model = origModel

	if err != nil {
		pp.recordBreakerError(m.ProviderID, err)
		return nil, pp.classify(ctx, m.ProviderID, err, "provider failed")
	}
	pp.recordBreakerSuccess(m.ProviderID)
	return resp, nil
}

// ChatCompletionStream resolves the model and forwards a streaming request.
// The returned release is already bound to channel drain via a wrapping
// goroutine: callers range over the channel to completion, which is when
// the permit is released.
func (pp *ProviderPool) ChatCompletionStream(ctx context.Context, orgID string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	p, m, release, err := pp.dispatch(ctx, orgID, req.Model)
	if err != nil {
		return nil, err
	}

	origModel := req.Model
	req.Model = m.CanonicalName
	upstream, err := p.ChatCompletionStream(ctx, req)
	req.Model = origModel
	if err != nil {
		release()
		pp.recordBreakerError(m.ProviderID, err)
		return nil, pp.classify(ctx, m.ProviderID, err, "provider stream failed")
	}

	out := make(chan gateway.StreamChunk)
	go func() {
		defer close(out)
		defer release()
		sawErr := false
		for chunk := range upstream {
			if chunk.Err != nil {
				sawErr = true
			}
			out <- chunk
		}
		if sawErr {
			pp.recordBreakerError(m.ProviderID, gateway.ErrProviderError)
		} else {
			pp.recordBreakerSuccess(m.ProviderID)
		}
	}()
	return out, nil
}

// Embeddings resolves the model and forwards an embedding request, bound by
// the same (org,model) concurrency semaphore as chat.
func (pp *ProviderPool) Embeddings(ctx context.Context, orgID string, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	p, m, release, err := pp.dispatch(ctx, orgID, req.Model)
	if err != nil {
		return nil, err
	}
	defer release()

	origModel := req.Model
	req.Model = m.CanonicalName
	resp, err := p.Embeddings(ctx, req)
	req.Model = origModel

	if err != nil {
		pp.recordBreakerError(m.ProviderID, err)
		return nil, pp.classify(ctx, m.ProviderID, err, "provider embeddings failed")
	}
	pp.recordBreakerSuccess(m.ProviderID)
	return resp, nil
}

// ImageGeneration dispatches to a provider implementing gateway.ImageProvider.
func (pp *ProviderPool) ImageGeneration(ctx context.Context, orgID string, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	p, m, release, err := pp.dispatch(ctx, orgID, req.Model)
	if err != nil {
		return nil, err
	}
	defer release()

	ip, ok := p.(gateway.ImageProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not support image generation", gateway.ErrProviderError, m.ProviderID)
	}
	resp, err := ip.ImageGeneration(ctx, req)
	if err != nil {
		pp.recordBreakerError(m.ProviderID, err)
		return nil, pp.classify(ctx, m.ProviderID, err, "provider image generation failed")
	}
	pp.recordBreakerSuccess(m.ProviderID)
	return resp, nil
}

// ImageEdit dispatches to a provider implementing gateway.ImageProvider.
func (pp *ProviderPool) ImageEdit(ctx context.Context, orgID string, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	p, m, release, err := pp.dispatch(ctx, orgID, req.Model)
	if err != nil {
		return nil, err
	}
	defer release()

	ip, ok := p.(gateway.ImageProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not support image editing", gateway.ErrProviderError, m.ProviderID)
	}
	resp, err := ip.ImageEdit(ctx, req)
	if err != nil {
		pp.recordBreakerError(m.ProviderID, err)
		return nil, pp.classify(ctx, m.ProviderID, err, "provider image edit failed")
	}
	pp.recordBreakerSuccess(m.ProviderID)
	return resp, nil
}

// AudioTranscription dispatches to a provider implementing gateway.AudioProvider.
func (pp *ProviderPool) AudioTranscription(ctx context.Context, orgID string, req *gateway.AudioTranscriptionRequest) (*gateway.AudioTranscriptionResponse, error) {
	p, m, release, err := pp.dispatch(ctx, orgID, req.Model)
	if err != nil {
		return nil, err
	}
	defer release()

	ap, ok := p.(gateway.AudioProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not support audio transcription", gateway.ErrProviderError, m.ProviderID)
	}
	resp, err := ap.AudioTranscription(ctx, req)
	if err != nil {
		pp.recordBreakerError(m.ProviderID, err)
		return nil, pp.classify(ctx, m.ProviderID, err, "provider audio transcription failed")
	}
	pp.recordBreakerSuccess(m.ProviderID)
	return resp, nil
}

// AudioSpeech dispatches to a provider implementing gateway.AudioProvider.
func (pp *ProviderPool) AudioSpeech(ctx context.Context, orgID, modelName string, req *gateway.AudioSpeechRequest) ([]byte, string, error) {
	p, m, release, err := pp.dispatch(ctx, orgID, modelName)
	if err != nil {
		return nil, "", err
	}
	defer release()

	ap, ok := p.(gateway.AudioProvider)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s does not support audio speech", gateway.ErrProviderError, m.ProviderID)
	}
	audio, contentType, err := ap.AudioSpeech(ctx, req)
	if err != nil {
		pp.recordBreakerError(m.ProviderID, err)
		return nil, "", pp.classify(ctx, m.ProviderID, err, "provider audio speech failed")
	}
	pp.recordBreakerSuccess(m.ProviderID)
	return audio, contentType, nil
}

// GetSignature dispatches to a provider implementing gateway.SignatureProvider.
// It does not take a concurrency permit: signature lookups are metadata
// reads, not inference dispatch.
func (pp *ProviderPool) GetSignature(ctx context.Context, modelName, chatID string) (*gateway.ChatSignature, error) {
	m, err := pp.models.ResolveAndGetModel(ctx, modelName)
	if err != nil {
		return nil, err
	}
	p, err := pp.providers.Get(m.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrProviderError, err)
	}
	sp, ok := p.(gateway.SignatureProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not support chat signatures", gateway.ErrProviderError, m.ProviderID)
	}
	return sp.GetSignature(ctx, chatID)
}

// GetAttestationReport dispatches to a provider implementing
// gateway.AttestingProvider. No concurrency permit: attestation reports are
// metadata, not inference dispatch.
func (pp *ProviderPool) GetAttestationReport(ctx context.Context, modelName, signingAlgo, nonce, signingAddress string) (json.RawMessage, error) {
	m, err := pp.models.ResolveAndGetModel(ctx, modelName)
	if err != nil {
		return nil, err
	}
	p, err := pp.providers.Get(m.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrProviderError, err)
	}
	ap, ok := p.(gateway.AttestingProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not support attestation", gateway.ErrProviderError, m.ProviderID)
	}
	return ap.GetAttestationReport(ctx, m.CanonicalName, signingAlgo, nonce, signingAddress)
}

// TextCompletionStream dispatches to a provider implementing
// gateway.TextCompletionProvider, bound by the same concurrency semaphore
// as streaming chat.
func (pp *ProviderPool) TextCompletionStream(ctx context.Context, orgID string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	p, m, release, err := pp.dispatch(ctx, orgID, req.Model)
	if err != nil {
		return nil, err
	}

	tp, ok := p.(gateway.TextCompletionProvider)
	if !ok {
		release()
		return nil, fmt.Errorf("%w: %s does not support text completion", gateway.ErrProviderError, m.ProviderID)
	}

	origModel := req.Model
	req.Model = m.CanonicalName
	upstream, err := tp.TextCompletionStream(ctx, req)
	req.Model = origModel
	if err != nil {
		release()
		pp.recordBreakerError(m.ProviderID, err)
		return nil, pp.classify(ctx, m.ProviderID, err, "provider text completion stream failed")
	}

	out := make(chan gateway.StreamChunk)
	go func() {
		defer close(out)
		defer release()
		for chunk := range upstream {
			out <- chunk
		}
		pp.recordBreakerSuccess(m.ProviderID)
	}()
	return out, nil
}

// classify turns a non-nil provider error into a wrapped ErrProviderError,
// logging non-client errors as a warning on the way out. Client errors (4xx)
// pass through unwrapped so callers can surface the original status.
func (pp *ProviderPool) classify(ctx context.Context, providerID string, err error, msg string) error {
	if isClientError(err) {
		return err
	}
	slog.LogAttrs(ctx, slog.LevelWarn, msg,
		slog.String("provider", providerID),
		slog.String("error", SanitizeErrorMessage(err.Error())),
	)
	return fmt.Errorf("%w: %w", gateway.ErrProviderError, err)
}

// ListModels aggregates model lists from all registered providers.
func (pp *ProviderPool) ListModels(ctx context.Context) ([]string, error) {
	var all []string
	for _, name := range pp.providers.List() {
		p, err := pp.providers.Get(name)
		if err != nil {
			continue
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			continue
		}
		all = append(all, models...)
	}
	return all, nil
}

// recordBreakerSuccess records a successful request to the circuit breaker.
func (pp *ProviderPool) recordBreakerSuccess(providerID string) {
	if pp.breakers != nil {
		pp.breakers.GetOrCreate(providerID).RecordSuccess()
	}
}

// recordBreakerError records a failed request to the circuit breaker.
func (pp *ProviderPool) recordBreakerError(providerID string, err error) {
	if pp.breakers != nil {
		weight := circuitbreaker.ClassifyError(err)
		if weight > 0 {
			pp.breakers.GetOrCreate(providerID).RecordError(weight)
		}
	}
}

// httpStatusError is an interface for errors that carry an HTTP status code.
type httpStatusError interface {
	HTTPStatus() int
}

// isClientError returns true if the error represents a client-side error
// (4xx) that should not be retried or reclassified as a provider error.
func isClientError(err error) bool {
	var he httpStatusError
	if errors.As(err, &he) {
		code := he.HTTPStatus()
		return code >= http.StatusBadRequest && code < http.StatusInternalServerError
	}
	return errors.Is(err, gateway.ErrBadRequest) ||
		errors.Is(err, gateway.ErrUnauthorized) ||
		errors.Is(err, gateway.ErrForbidden) ||
		errors.Is(err, gateway.ErrModelNotAllowed) ||
		errors.Is(err, gateway.ErrKeyExpired) ||
		errors.Is(err, gateway.ErrKeyBlocked)
}
