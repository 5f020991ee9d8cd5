package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/storage"
)

// modelCacheTTL / modelCacheIdleTTL / modelCacheMax implement the L3 model
// cache sizing: name -> model record, TTL 5 min, idle-TTL 3 min, max 1000
// entries. Both deadlines are carried in the entry and checked on read (like
// cache/memory.go's entry.expiresAt check): refreshing the idle deadline
// re-Sets the entry, which restarts otter's own write timer, so otter's
// ExpiryCalculator alone cannot enforce the 5-minute TTL.
const (
	modelCacheTTL     = 5 * time.Minute
	modelCacheIdleTTL = 3 * time.Minute
	modelCacheMax     = 1_000
)

// modelCacheEntry pairs a resolved model with its TTL deadline (fixed when
// the model is loaded) and the deadline past which it's evicted for being
// idle (pushed forward on every hit).
type modelCacheEntry struct {
	model       *gateway.Model
	expires     time.Time
	idleExpires time.Time
}

// ModelResolver maps a requested model name (canonical or alias) to its
// canonical catalog record. Resolved models are cached to avoid a
// canonical-then-alias double lookup on every request.
type ModelResolver struct {
	models storage.ModelStore
	cache  *otter.Cache[string, modelCacheEntry]
}

// NewModelResolver returns a ModelResolver backed by the given model store.
func NewModelResolver(models storage.ModelStore) *ModelResolver {
	cache := otter.Must(&otter.Options[string, modelCacheEntry]{
		MaximumSize:      modelCacheMax,
		ExpiryCalculator: otter.ExpiryWriting[string, modelCacheEntry](modelCacheTTL),
	})
	return &ModelResolver{models: models, cache: cache}
}

// ResolveAndGetModel implements resolve_and_get_model(name): look up the
// canonical table first, fall back to the alias table, and return
// ErrInvalidModel if neither yields an active model.
func (r *ModelResolver) ResolveAndGetModel(ctx context.Context, name string) (*gateway.Model, error) {
	if cached, ok := r.cache.GetIfPresent(name); ok {
		now := time.Now()
		if now.Before(cached.idleExpires) && now.Before(cached.expires) {
			r.cache.Set(name, modelCacheEntry{model: cached.model, expires: cached.expires, idleExpires: now.Add(modelCacheIdleTTL)})
			return cached.model, nil
		}
		r.cache.Invalidate(name)
	}

	m, err := r.models.GetModelByName(ctx, name)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			return nil, fmt.Errorf("resolve model %q: %w", name, err)
		}
		m, err = r.models.GetModelByAlias(ctx, name)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				return nil, gateway.ErrInvalidModel
			}
			return nil, fmt.Errorf("resolve model alias %q: %w", name, err)
		}
	}

	if !m.IsActive {
		return nil, gateway.ErrInvalidModel
	}

	now := time.Now()
	r.cache.Set(name, modelCacheEntry{model: m, expires: now.Add(modelCacheTTL), idleExpires: now.Add(modelCacheIdleTTL)})
	return m, nil
}

// Invalidate evicts a cached lookup by name. The admin model-update and
// alias-upsert handlers call it with the canonical or alias name they
// wrote; entries cached under other aliases of an updated model stay
// until they expire.
func (r *ModelResolver) Invalidate(name string) {
	r.cache.Invalidate(name)
}
