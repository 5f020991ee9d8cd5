package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/storage"
)

// AttestationService resolves chat signatures and TEE attestation reports.
// Signatures are produced lazily by the upstream provider after a stream
// completes, so GetSignature checks the durable cache before asking the
// pool to fetch (and cache) a fresh one.
type AttestationService struct {
	signatures storage.ChatSignatureStore
	proxy      *ProviderPool
}

// NewAttestationService returns an AttestationService backed by store and proxy.
func NewAttestationService(store storage.ChatSignatureStore, proxy *ProviderPool) *AttestationService {
	return &AttestationService{signatures: store, proxy: proxy}
}

// GetSignature returns the cached signature for chatID, fetching it from
// the owning provider and persisting it on first access.
func (a *AttestationService) GetSignature(ctx context.Context, modelName, chatID string) (*gateway.ChatSignature, error) {
	sig, err := a.signatures.GetChatSignature(ctx, chatID)
	if err == nil {
		return sig, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, fmt.Errorf("get cached signature: %w", err)
	}

	sig, err = a.proxy.GetSignature(ctx, modelName, chatID)
	if err != nil {
		return nil, err
	}
	if err := a.signatures.PutChatSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("cache signature: %w", err)
	}
	return sig, nil
}

// GetAttestationReport returns every verifiable model's per-model attestation
// from its owning provider. No gateway TEE quote is produced:
// GatewayAttestation is always JSON null. Models whose provider fails or does
// not support attestation are left out of AllAttestations.
func (a *AttestationService) GetAttestationReport(ctx context.Context, signingAlgo, nonce, signingAddress string, models []*gateway.Model) (*gateway.AttestationReport, error) {
	report := &gateway.AttestationReport{
		GatewayAttestation: json.RawMessage("null"),
		AllAttestations:    make([]json.RawMessage, 0, len(models)),
	}
	for _, m := range models {
		if !m.Verifiable {
			continue
		}
		att, err := a.proxy.GetAttestationReport(ctx, m.CanonicalName, signingAlgo, nonce, signingAddress)
		if err != nil {
			continue
		}
		report.AllAttestations = append(report.AllAttestations, att)
	}
	return report, nil
}
