package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nanogw/nanogw/internal/telemetry"
)

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	deps, _ := newTestDeps(t, fixedAuth{principal: adminPrincipal()})
	deps.Metrics = metrics
	deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	h := New(deps)

	// Hit a normal endpoint first to generate metrics.
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	rec := doRequest(h, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	// Now check /metrics.
	rec = doRequest(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	metricsBody := rec.Body.String()
	if !strings.Contains(metricsBody, "nanogw_requests_total") {
		t.Error("metrics should contain nanogw_requests_total")
	}
	if !strings.Contains(metricsBody, "nanogw_request_duration_seconds") {
		t.Error("metrics should contain nanogw_request_duration_seconds")
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want string
	}{
		{"/v1/models", "/v1/models"},
		{"/healthz", "/healthz"},
		{"/v1/responses/chatcmpl-abc123xyz", "/v1/responses/{id}"},
		{"/v1/responses/resp_abc123", "/v1/responses/{id}"},
		{"/v1/files/file-abc123/content", "/v1/files/{id}/content"},
		{"/v1/conversations/conv_abc123/items", "/v1/conversations/{id}/items"},
		{
			"/v1/workspaces/abc12345-1234-5678-9abc-def012345678/api-keys",
			"/v1/workspaces/{id}/api-keys",
		},
		{
			"/v1/workspaces/abc12345-1234-5678-9abc-def012345678/api-keys/def12345-1234-5678-9abc-def012345678",
			"/v1/workspaces/{id}/api-keys/{id}",
		},
		{"/unmapped/sk-test123abc", "/unmapped/{id}"},
	}
	for _, c := range cases {
		if got := normalizePath(c.path); got != c.want {
			t.Errorf("normalizePath(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestMetricsMiddleware_IncrementsCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	deps, _ := newTestDeps(t, fixedAuth{principal: adminPrincipal()})
	deps.Metrics = metrics
	deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	h := New(deps)

	for range 3 {
		doRequest(h, http.MethodGet, "/healthz", "")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "nanogw_requests_total" {
			found = true
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "path" && l.GetValue() == "/healthz" {
						if m.GetCounter().GetValue() < 3 {
							t.Errorf("requests_total for /healthz = %f, want >= 3", m.GetCounter().GetValue())
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("nanogw_requests_total metric not found")
	}
}
