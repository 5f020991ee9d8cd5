// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/money"
	"github.com/nanogw/nanogw/internal/storage"
)

// Bootstrap seeds the database from the config file on first run.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	// Seed providers
	for _, p := range cfg.Providers {
		pc := &gateway.ProviderConfig{
			ID:        p.Name,
			Name:      p.Name,
			Type:      p.ResolvedType(),
			BaseURL:   p.BaseURL,
			Models:    p.Models,
			Priority:  p.Priority,
			Weight:    max(1, p.Weight),
			Enabled:   p.IsEnabled(),
			MaxRPS:    p.MaxRPS,
			TimeoutMs: max(5000, p.TimeoutMs),
		}
		existing, _ := store.GetProvider(ctx, pc.ID)
		if existing != nil {
			continue // already exists, skip
		}
		if err := store.CreateProvider(ctx, pc); err != nil {
			return err
		}
		slog.Info("bootstrapped provider", "name", pc.Name)
	}

	// Seed organizations
	for _, o := range cfg.Orgs {
		existing, _ := store.GetOrg(ctx, o.ID)
		if existing != nil {
			continue
		}
		org := &gateway.Organization{
			ID:              o.ID,
			Name:            o.Name,
			IsActive:        true,
			ConcurrentLimit: o.ConcurrentLimit,
			CreatedAt:       time.Now().UTC(),
		}
		if err := store.CreateOrg(ctx, org); err != nil {
			return err
		}
		slog.Info("bootstrapped organization", "id", org.ID, "name", org.Name)
	}

	// Seed workspaces
	for _, w := range cfg.Workspaces {
		existing, _ := store.GetWorkspace(ctx, w.ID)
		if existing != nil {
			continue
		}
		ws := &gateway.Workspace{
			ID:             w.ID,
			OrganizationID: w.OrgID,
			Name:           w.Name,
			CreatedAt:      time.Now().UTC(),
		}
		if err := store.CreateWorkspace(ctx, ws); err != nil {
			return err
		}
		slog.Info("bootstrapped workspace", "id", ws.ID, "org_id", ws.OrganizationID)
	}

	// Seed the model catalog and its aliases
	for _, m := range cfg.Models {
		existing, _ := store.GetModelByName(ctx, m.CanonicalName)
		if existing != nil {
			continue
		}
		model := &gateway.Model{
			ID:               uuid.Must(uuid.NewV7()).String(),
			ProviderID:       m.Provider,
			CanonicalName:    m.CanonicalName,
			DisplayName:      m.DisplayName,
			Description:      m.Description,
			InputCostAmount:  money.FromInt64(m.InputCostNanos),
			OutputCostAmount: money.FromInt64(m.OutputCostNanos),
			CostScale:        money.Scale,
			CostCurrency:     money.Currency,
			ContextLength:    m.ContextLength,
			Verifiable:       m.Verifiable,
			IsActive:         true,
		}
		if err := store.CreateModel(ctx, model); err != nil {
			return err
		}
		for _, alias := range m.Aliases {
			if err := store.UpsertAlias(ctx, &gateway.ModelAlias{AliasName: alias, CanonicalID: model.ID}); err != nil {
				return err
			}
		}
		slog.Info("bootstrapped model", "canonical_name", model.CanonicalName, "provider", model.ProviderID, "aliases", m.Aliases)
	}

	// Seed API keys
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		accountType := gateway.AccountType(k.AccountType)
		if accountType == "" {
			accountType = gateway.AccountTypeUser
		}

		key := &gateway.ApiKey{
			ID:          uuid.Must(uuid.NewV7()).String(),
			WorkspaceID: k.WorkspaceID,
			AccountType: accountType,
			KeyHash:     hash,
			KeyPrefix:   prefix,
			IsActive:    true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}

	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
