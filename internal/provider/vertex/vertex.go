// Package vertex builds Vertex AI-hosted provider clients for both model
// families Vertex serves through this gateway: Anthropic's Claude models
// (via the rawPredict endpoint) and Google's own Gemini models (via the
// same generateContent endpoints as the public Gemini API, just under a
// per-project/location path). Both constructors wire
// cloudauth.GCPOAuthTransport for Application Default Credentials instead
// of a static API key, reusing the shared client hosting logic in the
// anthropic and gemini packages rather than reimplementing the wire format.
package vertex

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nanogw/nanogw/internal/cloudauth"
	"github.com/nanogw/nanogw/internal/provider/anthropic"
	"github.com/nanogw/nanogw/internal/provider/gemini"
)

// cloudPlatformScope is the OAuth2 scope required to call Vertex AI.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// NewAnthropic builds an Anthropic provider client targeting Vertex AI.
// name is the instance identifier; region and project identify the GCP
// location. base is the transport GCPOAuthTransport wraps (nil selects
// http.DefaultTransport).
func NewAnthropic(ctx context.Context, name, region, project string, base http.RoundTripper) (*anthropic.Client, error) {
	client, err := oauthClient(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("vertex: anthropic: %w", err)
	}
	return anthropic.NewWithHosting(name, regionalAPIURL(region), client, "vertex", region, project), nil
}

// NewGemini builds a Gemini provider client targeting Vertex AI.
// name is the instance identifier; region and project identify the GCP
// location. base is the transport GCPOAuthTransport wraps (nil selects
// http.DefaultTransport).
func NewGemini(ctx context.Context, name, region, project string, base http.RoundTripper) (*gemini.Client, error) {
	client, err := oauthClient(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("vertex: gemini: %w", err)
	}
	return gemini.NewWithHosting(name, regionalAPIURL(region), client, "vertex", region, project), nil
}

// regionalAPIURL returns the regional Vertex AI endpoint for a location.
func regionalAPIURL(region string) string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com", region)
}

// oauthClient builds an http.Client whose transport injects a GCP OAuth2
// bearer token obtained via Application Default Credentials.
func oauthClient(ctx context.Context, base http.RoundTripper) (*http.Client, error) {
	transport, err := cloudauth.NewGCPOAuthTransport(ctx, base, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("build oauth transport: %w", err)
	}
	return &http.Client{Transport: transport}, nil
}
