package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	gateway "github.com/nanogw/nanogw/internal"
)

// isValidParam checks that s is non-empty and contains only [a-zA-Z0-9._-].
// Delegates to isValidToken to DRY the byte-loop validation.
func isValidParam(s string) bool { return isValidToken(s, maxRequestIDLen) }

// mountNativeRoutes registers native API passthrough routes on the given router.
// Each format group uses normalizeAuth to map provider-specific auth headers
// to Authorization: Bearer before the authenticate middleware runs.
func (s *server) mountNativeRoutes(r chi.Router) {
	if s.deps.Providers == nil || s.deps.Models == nil {
		return
	}

	// --- Anthropic native: /v1/messages ---
	r.Group(func(r chi.Router) {
		r.Use(normalizeAuth("X-Api-Key"))
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/messages", s.handleNativeProxy(
			func(_ *http.Request) string { return "/messages" },
			func(_ *http.Request, body []byte) string {
				return gjson.GetBytes(body, "model").String()
			},
		))
	})

	// --- Gemini native: /v1beta/models/* ---
	r.Group(func(r chi.Router) {
		r.Use(normalizeAuth("X-Goog-Api-Key"))
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		// generateContent, streamGenerateContent, embedContent
		r.Post("/v1beta/models/{model}:{action}", s.handleNativeProxy(
			func(r *http.Request) string {
				model := chi.URLParam(r, "model")
				action := chi.URLParam(r, "action")
				if !isValidParam(model) || !isValidParam(action) {
					return ""
				}
				return "/models/" + model + ":" + action
			},
			func(r *http.Request, _ []byte) string {
				return chi.URLParam(r, "model")
			},
		))

		// GET /v1beta/models -- list models (no model routing needed)
		r.Get("/v1beta/models", s.handleNativeProxyList("gemini", "/models"))
	})

	// --- Azure OpenAI native: /openai/deployments/{deployment}/* ---
	r.Group(func(r chi.Router) {
		r.Use(normalizeAuth("Api-Key"))
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/openai/deployments/{deployment}/chat/completions", s.handleNativeProxy(
			func(_ *http.Request) string { return "/chat/completions" },
			func(r *http.Request, _ []byte) string {
				d := chi.URLParam(r, "deployment")
				if !isValidParam(d) {
					return ""
				}
				return d
			},
		))
		r.Post("/openai/deployments/{deployment}/embeddings", s.handleNativeProxy(
			func(_ *http.Request) string { return "/embeddings" },
			func(r *http.Request, _ []byte) string {
				d := chi.URLParam(r, "deployment")
				if !isValidParam(d) {
					return ""
				}
				return d
			},
		))
	})

	// --- Ollama native: /api/* ---
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/api/chat", s.handleNativeProxy(
			func(_ *http.Request) string { return "/chat" },
			func(_ *http.Request, body []byte) string {
				return gjson.GetBytes(body, "model").String()
			},
		))
		r.Post("/api/embed", s.handleNativeProxy(
			func(_ *http.Request) string { return "/embed" },
			func(_ *http.Request, body []byte) string {
				return gjson.GetBytes(body, "model").String()
			},
		))
		r.Get("/api/tags", s.handleNativeProxyList("ollama", "/tags"))
	})
}

// handleNativeProxy returns a handler that authenticates, extracts the model,
// resolves it to its single backing provider, and forwards the raw
// request/response. Unlike the chat/embeddings handlers it never falls back
// to a second provider: a model has exactly one ProviderID.
func (s *server) handleNativeProxy(
	pathFunc func(*http.Request) string,
	modelFunc func(*http.Request, []byte) string) http.HandlerFunc {

	return func(w http.ResponseWriter, r *http.Request) {
		// Read body for model extraction. Uses MaxBytesReader + bodyPool
		// (consistent with decodeRequestBody) instead of unbounded io.ReadAll.
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		buf := bodyPool.Get().(*bytes.Buffer)
		buf.Reset()
		if _, err := buf.ReadFrom(r.Body); err != nil {
			bodyPool.Put(buf)
			writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body"))
			return
		}
		body := bytes.Clone(buf.Bytes())
		bodyPool.Put(buf)

		modelName := modelFunc(r, body)
		if modelName == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse("model not specified"))
			return
		}

		// Model allowlist check.
		principal := gateway.PrincipalFromContext(r.Context())
		if principal != nil && !principal.IsModelAllowed(modelName) {
			writeJSON(w, http.StatusForbidden, errorResponse("model not allowed"))
			return
		}

		model, err := s.deps.Models.ResolveAndGetModel(r.Context(), modelName)
		if err != nil {
			writeUpstreamError(w, r.Context(), err)
			return
		}

		p, pErr := s.deps.Providers.Get(model.ProviderID)
		if pErr != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "no provider for native proxy",
				slog.String("provider_id", model.ProviderID),
				slog.String("model", modelName),
			)
			writeJSON(w, http.StatusBadGateway, errorResponse("no matching provider available"))
			return
		}
		np, ok := p.(gateway.NativeProxy)
		if !ok {
			writeJSON(w, http.StatusBadGateway, errorResponse("provider does not support native passthrough"))
			return
		}

		// Reconstruct body and forward.
		r.Body = io.NopCloser(bytes.NewReader(body))
		path := pathFunc(r)
		if path == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid path parameters"))
			return
		}
		if proxyErr := np.ProxyRequest(r.Context(), w, r, path); proxyErr != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "native proxy error",
				slog.String("provider_id", model.ProviderID),
				slog.String("error", proxyErr.Error()),
			)
		}
	}
}

// handleNativeProxyList returns a handler for list endpoints that don't need
// model-based routing (e.g. GET /v1beta/models, GET /api/tags). providerID
// is the registry key of the provider that owns the given wire format.
func (s *server) handleNativeProxyList(providerID, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.deps.Providers.Get(providerID)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, errorResponse("no "+providerID+" provider registered"))
			return
		}
		np, ok := p.(gateway.NativeProxy)
		if !ok {
			writeJSON(w, http.StatusBadGateway, errorResponse(providerID+" provider does not support native passthrough"))
			return
		}
		if proxyErr := np.ProxyRequest(r.Context(), w, r, path); proxyErr != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "native proxy list error",
				slog.String("provider_id", providerID),
				slog.String("error", proxyErr.Error()),
			)
		}
	}
}

// normalizeAuth returns middleware that copies a provider-specific auth header
// to Authorization: Bearer, so the existing authenticate middleware works
// unchanged. If Authorization is already present, the provider header is ignored.
func normalizeAuth(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				if key := r.Header.Get(header); key != "" {
					r.Header.Set("Authorization", "Bearer "+key)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
