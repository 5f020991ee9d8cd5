// Package bedrock builds Anthropic-on-Bedrock provider clients. Amazon
// Bedrock exposes Anthropic's Claude models behind invoke/invoke-with-
// response-stream endpoints authenticated with AWS SigV4 rather than a
// bearer token, so this package resolves AWS credentials and wires
// cloudauth.AWSSigV4Transport in front of the shared anthropic.Client
// hosting logic instead of reimplementing the wire format.
package bedrock

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/nanogw/nanogw/internal/cloudauth"
	"github.com/nanogw/nanogw/internal/provider/anthropic"
)

// signingService is the AWS SigV4 service name for Bedrock's runtime API.
const signingService = "bedrock"

// New builds an Anthropic provider client targeting Amazon Bedrock.
// name is the instance identifier; region selects both the SigV4 signing
// region and, when baseURL is empty, the default bedrock-runtime regional
// endpoint. base is the transport AWSSigV4Transport wraps (nil selects
// http.DefaultTransport); pass a pre-tuned transport (e.g.
// provider.NewTransport) to share connection pooling and DNS caching with
// other providers.
func New(ctx context.Context, name, baseURL, region string, base http.RoundTripper) (*anthropic.Client, error) {
	if region == "" {
		return nil, fmt.Errorf("bedrock: region is required")
	}
	if baseURL == "" {
		baseURL = defaultRuntimeURL(region)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws credentials: %w", err)
	}

	transport := cloudauth.NewAWSSigV4Transport(base, awsCfg.Credentials, region, signingService)
	client := &http.Client{Transport: transport}

	return anthropic.NewWithHosting(name, baseURL, client, "bedrock", region, ""), nil
}

// defaultRuntimeURL returns the regional bedrock-runtime endpoint used when
// no explicit baseURL is configured.
func defaultRuntimeURL(region string) string {
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
}
