package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/app"
	"github.com/nanogw/nanogw/internal/provider"
	"github.com/nanogw/nanogw/internal/testutil"
)

// fakeNativeProvider implements both gateway.Provider and gateway.NativeProxy,
// recording the path/body/headers of the last forwarded request.
type fakeNativeProvider struct {
	testutil.FakeProvider
	lastPath    string
	lastBody    string
	lastHeaders http.Header
}

func (f *fakeNativeProvider) ProxyRequest(_ context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	f.lastPath = path
	body, _ := io.ReadAll(r.Body)
	f.lastBody = string(body)
	f.lastHeaders = r.Header.Clone()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"proxied":true,"path":"` + path + `"}`))
	return nil
}

func newNativeHandler(t *testing.T, providerID string, p gateway.Provider, models ...*gateway.Model) (http.Handler, *testutil.FakeStore) {
	t.Helper()

	reg := provider.NewRegistry()
	reg.Register(providerID, p)

	store := testutil.NewFakeStore()
	for _, m := range models {
		if err := store.CreateModel(context.Background(), m); err != nil {
			t.Fatalf("seed model %s: %v", m.CanonicalName, err)
		}
	}

	resolver := app.NewModelResolver(store)
	pool := app.NewProviderPool(reg, resolver, store, nil, nil)
	h := New(Deps{
		Auth:      fixedAuth{principal: adminPrincipal()},
		Proxy:     pool,
		Providers: reg,
		Models:    resolver,
	})
	return h, store
}

func TestNative_AnthropicMessages_NormalizesAuthHeader(t *testing.T) {
	t.Parallel()

	p := &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "anthropic"}}
	h, _ := newNativeHandler(t, "anthropic", p, &gateway.Model{
		ID: "model-claude", ProviderID: "anthropic", CanonicalName: "claude-sonnet-4-6", IsActive: true,
	})

	body := `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`
	req := newNativeRequest(http.MethodPost, "/v1/messages", body)
	req.Header.Del("Authorization")
	req.Header.Set("X-Api-Key", "sk-ant-test")

	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if p.lastPath != "/messages" {
		t.Errorf("path = %q, want /messages", p.lastPath)
	}
	if got := p.lastHeaders.Get("Authorization"); got != "Bearer sk-ant-test" {
		t.Errorf("Authorization = %q, want Bearer sk-ant-test", got)
	}
}

func TestNative_GeminiGenerateContent_RoutesByModelSegment(t *testing.T) {
	t.Parallel()

	p := &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "gemini"}}
	h, _ := newNativeHandler(t, "gemini", p, &gateway.Model{
		ID: "model-gemini", ProviderID: "gemini", CanonicalName: "gemini-2.0-flash", IsActive: true,
	})

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	req := newNativeRequest(http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", body)
	req.Header.Del("Authorization")
	req.Header.Set("X-Goog-Api-Key", "goog-test")

	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if p.lastPath != "/models/gemini-2.0-flash:generateContent" {
		t.Errorf("path = %q", p.lastPath)
	}
}

func TestNative_GeminiGenerateContent_RejectsInvalidModelParam(t *testing.T) {
	t.Parallel()

	p := &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "gemini"}}
	h, _ := newNativeHandler(t, "gemini", p, &gateway.Model{
		ID: "model-gemini", ProviderID: "gemini", CanonicalName: "gemini-2.0-flash", IsActive: true,
	})

	req := newNativeRequest(http.MethodPost, "/v1beta/models/bad@name:generateContent", `{}`)
	req.Header.Del("Authorization")
	req.Header.Set("X-Goog-Api-Key", "goog-test")

	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestNative_GeminiListModels_NoModelRouting(t *testing.T) {
	t.Parallel()

	p := &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "gemini"}}
	h, _ := newNativeHandler(t, "gemini", p)

	req := newNativeRequest(http.MethodGet, "/v1beta/models", "")
	req.Header.Del("Authorization")
	req.Header.Set("X-Goog-Api-Key", "goog-test")

	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if p.lastPath != "/models" {
		t.Errorf("path = %q, want /models", p.lastPath)
	}
}

func TestNative_AzureDeployment_RoutesByDeploymentParam(t *testing.T) {
	t.Parallel()

	p := &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "azure"}}
	h, _ := newNativeHandler(t, "azure", p, &gateway.Model{
		ID: "model-azure", ProviderID: "azure", CanonicalName: "gpt4-deployment", IsActive: true,
	})

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	req := newNativeRequest(http.MethodPost, "/openai/deployments/gpt4-deployment/chat/completions", body)
	req.Header.Del("Authorization")
	req.Header.Set("Api-Key", "azure-test")

	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if p.lastPath != "/chat/completions" {
		t.Errorf("path = %q, want /chat/completions", p.lastPath)
	}
}

func TestNative_Ollama_RoutesByModelFieldInBody(t *testing.T) {
	t.Parallel()

	p := &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "ollama"}}
	h, _ := newNativeHandler(t, "ollama", p, &gateway.Model{
		ID: "model-llama", ProviderID: "ollama", CanonicalName: "llama3", IsActive: true,
	})

	body := `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`
	req := newNativeRequest(http.MethodPost, "/api/chat", body)

	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if p.lastPath != "/chat" {
		t.Errorf("path = %q, want /chat", p.lastPath)
	}
	if p.lastBody != body {
		t.Errorf("body = %q, want %q", p.lastBody, body)
	}
}

func TestNative_Ollama_Tags_NoModelRouting(t *testing.T) {
	t.Parallel()

	p := &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "ollama"}}
	h, _ := newNativeHandler(t, "ollama", p)

	req := newNativeRequest(http.MethodGet, "/api/tags", "")
	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestNative_RejectsModelNotAllowedForPrincipal(t *testing.T) {
	t.Parallel()

	p := &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "anthropic"}}
	reg := provider.NewRegistry()
	reg.Register("anthropic", p)

	store := testutil.NewFakeStore()
	if err := store.CreateModel(context.Background(), &gateway.Model{
		ID: "model-claude", ProviderID: "anthropic", CanonicalName: "claude-sonnet-4-6", IsActive: true,
	}); err != nil {
		t.Fatalf("seed model: %v", err)
	}

	restricted := restrictedPrincipal()
	restricted.AllowedModels = []string{"other-model"}

	resolver := app.NewModelResolver(store)
	pool := app.NewProviderPool(reg, resolver, store, nil, nil)
	h := New(Deps{
		Auth:      fixedAuth{principal: restricted},
		Proxy:     pool,
		Providers: reg,
		Models:    resolver,
	})

	body := `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`
	req := newNativeRequest(http.MethodPost, "/v1/messages", body)
	req.Header.Del("Authorization")
	req.Header.Set("X-Api-Key", "sk-ant-test")

	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
}

func TestNative_UnknownProvider_ReturnsBadGateway(t *testing.T) {
	t.Parallel()

	h, _ := newNativeHandler(t, "anthropic", &fakeNativeProvider{FakeProvider: testutil.FakeProvider{ProviderName: "anthropic"}})

	req := newNativeRequest(http.MethodGet, "/api/tags", "")
	rec := doNativeRequest(h, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502, body = %s", rec.Code, rec.Body.String())
	}
}

// newNativeRequest builds a request carrying a placeholder Authorization
// header; tests that exercise a provider-specific auth header delete it
// before setting their own, matching normalizeAuth's "only fill in if
// Authorization is absent" behavior.
func newNativeRequest(method, path, body string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer placeholder")
	return r
}

func doNativeRequest(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}
