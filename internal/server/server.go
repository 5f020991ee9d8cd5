// Package server implements the HTTP transport layer for the nanogw gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/app"
	"github.com/nanogw/nanogw/internal/provider"
	"github.com/nanogw/nanogw/internal/ratelimit"
	"github.com/nanogw/nanogw/internal/storage"
	"github.com/nanogw/nanogw/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records completed requests for billing and accounting.
// app.UsagePipeline satisfies this.
type UsageRecorder interface {
	Record(ctx context.Context, entry gateway.UsageLogEntry) error
}

// KeyInvalidator evicts a single api-key from the authenticator's cache
// after an admin write changes or removes it. *auth.Dispatcher satisfies
// this.
type KeyInvalidator interface {
	InvalidateByKeyID(keyID string)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           gateway.Authenticator // required: api-key + session authentication
	KeyInvalidator KeyInvalidator        // nil = admin key writes don't evict the auth cache
	Proxy          *app.ProviderPool
	Providers      *provider.Registry       // needed for NativeProxy type assertion
	Models         *app.ModelResolver       // needed for name -> canonical model resolution
	Keys           *app.KeyManager
	Store          storage.Store            // nil = no admin CRUD (for tests)
	Metrics        *telemetry.Metrics       // nil = no Prometheus metrics
	MetricsHandler http.Handler             // nil = no /metrics endpoint
	Tracer         trace.Tracer             // nil = no distributed tracing
	ReadyCheck     ReadyChecker             // nil = always ready (for tests)
	Usage          UsageRecorder            // nil = no usage recording
	Admission      *ratelimit.Admission     // nil = no per-key request-rate limiting
	Credit         *ratelimit.CreditChecker // nil = no org spend-limit enforcement
	Cache          Cache                    // nil = no caching
	Conversations  *app.ConversationService // nil = /v1/conversations* routes 404 via nil Store check
	Responses      *app.ResponseService     // nil = /v1/responses* routes 404 via nil Store check
	Attestation    *app.AttestationService  // nil = /v1/attestation/report, /v1/signature/{id} disabled
	Files          *app.FileService         // nil = /v1/files* routes 501
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required) -- universal OpenAI-format surface
	r.Group(func(r chi.Router) {
		r.Use(s.bodyHash)
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/completions", s.handleTextCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/model/list", s.handleListModels)
		r.Get("/v1/check_api_key", s.handleCheckAPIKey)

		r.Post("/v1/images/generations", s.handleImageGeneration)
		r.Post("/v1/images/edits", s.handleImageEdit)
		r.Post("/v1/audio/transcriptions", s.handleAudioTranscription)
		r.Post("/v1/audio/speech", s.handleAudioSpeech)

		r.Post("/v1/responses", s.handleCreateResponse)
		r.Get("/v1/responses/{id}", s.handleGetResponse)
		r.Post("/v1/responses/{id}/cancel", s.handleCancelResponse)

		r.Post("/v1/conversations", s.handleCreateConversation)
		r.Get("/v1/conversations/{id}", s.handleGetConversation)
		r.Delete("/v1/conversations/{id}", s.handleDeleteConversation)
		r.Get("/v1/conversations/{id}/items", s.handleListConversationItems)

		r.Post("/v1/files", s.handleUploadFile)
		r.Get("/v1/files", s.handleListFiles)
		r.Get("/v1/files/{id}", s.handleGetFile)
		r.Delete("/v1/files/{id}", s.handleDeleteFile)
		r.Get("/v1/files/{id}/content", s.handleFileContent)

		r.Get("/v1/billing/costs", s.handleBillingCosts)
		r.Get("/v1/signature/{chat_id}", s.handleGetSignature)
		r.Post("/v1/attestation/report", s.handleAttestationReport)
	})

	// Native API passthrough routes (per-provider auth normalization)
	s.mountNativeRoutes(r)

	// Admin API (auth + RBAC required)
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageProviders))
				r.Get("/providers", s.handleListProviders)
				r.Post("/providers", s.handleCreateProvider)
				r.Get("/providers/{id}", s.handleGetProvider)
				r.Put("/providers/{id}", s.handleUpdateProvider)
				r.Delete("/providers/{id}", s.handleDeleteProvider)
				r.Post("/cache/purge", s.handleCachePurge)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageRoutes))
				r.Get("/models", s.handleListModelCatalog)
				r.Post("/models", s.handleCreateModel)
				r.Get("/models/{name}", s.handleGetModel)
				r.Put("/models/{name}", s.handleUpdateModel)
				r.Delete("/models/{id}", s.handleDeleteModel)
				r.Post("/models/aliases", s.handleUpsertAlias)
				r.Delete("/models/aliases/{name}", s.handleDeleteAlias)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageAllKeys))
				r.Get("/keys", s.handleListKeys)
				r.Post("/keys", s.handleCreateKey)
				r.Put("/keys/{id}", s.handleUpdateKey)
				r.Delete("/keys/{id}", s.handleDeleteKey)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageOrgs))
				r.Get("/orgs", s.handleListOrgs)
				r.Post("/orgs", s.handleCreateOrg)
				r.Get("/orgs/{id}", s.handleGetOrg)
				r.Put("/orgs/{id}", s.handleUpdateOrg)
				r.Delete("/orgs/{id}", s.handleDeleteOrg)
				r.Get("/workspaces", s.handleListWorkspaces)
				r.Post("/workspaces", s.handleCreateWorkspace)
				r.Delete("/workspaces/{id}", s.handleDeleteWorkspace)
				r.Put("/limits", s.handleUpdateLimits)
				r.Get("/limits", s.handleGetCurrentLimits)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermViewAllUsage))
				r.Get("/balance", s.handleGetBalance)
			})
		})
	}

	return r
}

type server struct {
	deps Deps
}
