package app

import (
	"context"
	"testing"

	gateway "github.com/nanogw/nanogw/internal"
)

type fakeModelStore struct {
	byName  map[string]*gateway.Model
	aliases map[string]string // alias -> canonical id
}

func newFakeModelStore() *fakeModelStore {
	return &fakeModelStore{byName: make(map[string]*gateway.Model), aliases: make(map[string]string)}
}

func (s *fakeModelStore) CreateModel(_ context.Context, m *gateway.Model) error {
	s.byName[m.CanonicalName] = m
	return nil
}

func (s *fakeModelStore) GetModelByName(_ context.Context, canonicalName string) (*gateway.Model, error) {
	m, ok := s.byName[canonicalName]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return m, nil
}

func (s *fakeModelStore) GetModelByAlias(_ context.Context, alias string) (*gateway.Model, error) {
	id, ok := s.aliases[alias]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	for _, m := range s.byName {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeModelStore) ListModels(context.Context, bool) ([]*gateway.Model, error) { return nil, nil }
func (s *fakeModelStore) UpdateModel(_ context.Context, m *gateway.Model) error {
	s.byName[m.CanonicalName] = m
	return nil
}
func (s *fakeModelStore) DeleteModel(_ context.Context, id string) error {
	for name, m := range s.byName {
		if m.ID == id {
			delete(s.byName, name)
		}
	}
	return nil
}
func (s *fakeModelStore) UpsertAlias(_ context.Context, a *gateway.ModelAlias) error {
	s.aliases[a.AliasName] = a.CanonicalID
	return nil
}
func (s *fakeModelStore) DeleteAlias(_ context.Context, aliasName string) error {
	delete(s.aliases, aliasName)
	return nil
}

func TestResolveAndGetModel_ByCanonicalName(t *testing.T) {
	t.Parallel()

	store := newFakeModelStore()
	store.byName["gpt-4o"] = &gateway.Model{ID: "m-1", CanonicalName: "gpt-4o", IsActive: true}

	r := NewModelResolver(store)
	m, err := r.ResolveAndGetModel(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("ResolveAndGetModel: %v", err)
	}
	if m.ID != "m-1" {
		t.Errorf("ID = %q, want m-1", m.ID)
	}
}

func TestResolveAndGetModel_ByAlias(t *testing.T) {
	t.Parallel()

	store := newFakeModelStore()
	store.byName["claude-sonnet-4-6"] = &gateway.Model{ID: "m-2", CanonicalName: "claude-sonnet-4-6", IsActive: true}
	store.aliases["claude-latest"] = "m-2"

	r := NewModelResolver(store)
	m, err := r.ResolveAndGetModel(context.Background(), "claude-latest")
	if err != nil {
		t.Fatalf("ResolveAndGetModel: %v", err)
	}
	if m.CanonicalName != "claude-sonnet-4-6" {
		t.Errorf("CanonicalName = %q, want claude-sonnet-4-6", m.CanonicalName)
	}
}

func TestResolveAndGetModel_Unknown(t *testing.T) {
	t.Parallel()

	store := newFakeModelStore()
	r := NewModelResolver(store)

	_, err := r.ResolveAndGetModel(context.Background(), "nonexistent")
	if err != gateway.ErrInvalidModel {
		t.Errorf("err = %v, want ErrInvalidModel", err)
	}
}

func TestResolveAndGetModel_InactiveDenied(t *testing.T) {
	t.Parallel()

	store := newFakeModelStore()
	store.byName["retired-model"] = &gateway.Model{ID: "m-3", CanonicalName: "retired-model", IsActive: false}

	r := NewModelResolver(store)
	_, err := r.ResolveAndGetModel(context.Background(), "retired-model")
	if err != gateway.ErrInvalidModel {
		t.Errorf("err = %v, want ErrInvalidModel", err)
	}
}

func TestResolveAndGetModel_CachedAcrossCalls(t *testing.T) {
	t.Parallel()

	store := newFakeModelStore()
	store.byName["gpt-4o"] = &gateway.Model{ID: "m-1", CanonicalName: "gpt-4o", IsActive: true}

	r := NewModelResolver(store)
	if _, err := r.ResolveAndGetModel(context.Background(), "gpt-4o"); err != nil {
		t.Fatal(err)
	}

	// Mutate the store directly; cached lookup should still see the old value.
	delete(store.byName, "gpt-4o")

	m, err := r.ResolveAndGetModel(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("cache miss when it should have hit: %v", err)
	}
	if m.ID != "m-1" {
		t.Errorf("ID = %q, want m-1", m.ID)
	}
}

func TestResolveAndGetModel_InvalidateForcesReload(t *testing.T) {
	t.Parallel()

	store := newFakeModelStore()
	store.byName["gpt-4o"] = &gateway.Model{ID: "m-1", CanonicalName: "gpt-4o", IsActive: true}

	r := NewModelResolver(store)
	if _, err := r.ResolveAndGetModel(context.Background(), "gpt-4o"); err != nil {
		t.Fatal(err)
	}

	store.byName["gpt-4o"] = &gateway.Model{ID: "m-1-updated", CanonicalName: "gpt-4o", IsActive: true}
	r.Invalidate("gpt-4o")

	m, err := r.ResolveAndGetModel(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "m-1-updated" {
		t.Errorf("ID = %q, want m-1-updated after invalidation", m.ID)
	}
}
