package sqlite

import (
	"context"

	"github.com/nanogw/nanogw/internal/money"

	gateway "github.com/nanogw/nanogw/internal"
)

// CreateModel inserts a new canonical model.
func (s *Store) CreateModel(ctx context.Context, m *gateway.Model) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO models (id, provider_id, canonical_name, display_name, description,
		 input_cost_amount, output_cost_amount, cost_scale, cost_currency,
		 context_length, verifiable, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProviderID, m.CanonicalName, m.DisplayName, m.Description,
		m.InputCostAmount.Int64(), m.OutputCostAmount.Int64(), m.CostScale, m.CostCurrency,
		m.ContextLength, boolToInt(m.Verifiable), boolToInt(m.IsActive),
	)
	return err
}

// GetModelByName retrieves a model by its canonical name.
func (s *Store) GetModelByName(ctx context.Context, canonicalName string) (*gateway.Model, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider_id, canonical_name, display_name, description,
		 input_cost_amount, output_cost_amount, cost_scale, cost_currency,
		 context_length, verifiable, is_active
		 FROM models WHERE canonical_name=?`, canonicalName,
	)
	return scanModel(row)
}

// GetModelByAlias resolves an alias to its canonical model. Falls back to
// treating name as already-canonical if no alias row matches, so callers
// can pass either an alias or a canonical name.
func (s *Store) GetModelByAlias(ctx context.Context, alias string) (*gateway.Model, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT m.id, m.provider_id, m.canonical_name, m.display_name, m.description,
		 m.input_cost_amount, m.output_cost_amount, m.cost_scale, m.cost_currency,
		 m.context_length, m.verifiable, m.is_active
		 FROM models m JOIN model_aliases a ON a.canonical_model_id = m.id
		 WHERE a.alias_name=?`, alias,
	)
	m, err := scanModel(row)
	if err == nil {
		return m, nil
	}
	if err != gateway.ErrNotFound {
		return nil, err
	}
	return s.GetModelByName(ctx, alias)
}

// ListModels returns the model catalog, optionally filtered to active models.
func (s *Store) ListModels(ctx context.Context, activeOnly bool) ([]*gateway.Model, error) {
	query := `SELECT id, provider_id, canonical_name, display_name, description,
	 input_cost_amount, output_cost_amount, cost_scale, cost_currency,
	 context_length, verifiable, is_active FROM models`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY canonical_name`

	rows, err := s.read.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*gateway.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpdateModel updates an existing model.
func (s *Store) UpdateModel(ctx context.Context, m *gateway.Model) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE models SET provider_id=?, display_name=?, description=?, input_cost_amount=?,
		 output_cost_amount=?, cost_scale=?, cost_currency=?, context_length=?,
		 verifiable=?, is_active=? WHERE id=?`,
		m.ProviderID, m.DisplayName, m.Description, m.InputCostAmount.Int64(), m.OutputCostAmount.Int64(),
		m.CostScale, m.CostCurrency, m.ContextLength, boolToInt(m.Verifiable), boolToInt(m.IsActive),
		m.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model")
}

// DeleteModel removes a model and its aliases.
func (s *Store) DeleteModel(ctx context.Context, id string) error {
	if _, err := s.write.ExecContext(ctx, `DELETE FROM model_aliases WHERE canonical_model_id=?`, id); err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx, `DELETE FROM models WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model")
}

// UpsertAlias creates or replaces an alias mapping.
func (s *Store) UpsertAlias(ctx context.Context, a *gateway.ModelAlias) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_aliases (alias_name, canonical_model_id) VALUES (?, ?)
		 ON CONFLICT(alias_name) DO UPDATE SET canonical_model_id=excluded.canonical_model_id`,
		a.AliasName, a.CanonicalID,
	)
	return err
}

// DeleteAlias removes an alias mapping.
func (s *Store) DeleteAlias(ctx context.Context, aliasName string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM model_aliases WHERE alias_name=?`, aliasName)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model alias")
}

func scanModel(s scanner) (*gateway.Model, error) {
	var m gateway.Model
	var inputCost, outputCost int64
	var verifiable, active int

	err := s.Scan(
		&m.ID, &m.ProviderID, &m.CanonicalName, &m.DisplayName, &m.Description,
		&inputCost, &outputCost, &m.CostScale, &m.CostCurrency,
		&m.ContextLength, &verifiable, &active,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	m.InputCostAmount = money.FromInt64(inputCost)
	m.OutputCostAmount = money.FromInt64(outputCost)
	m.Verifiable = verifiable != 0
	m.IsActive = active != 0
	return &m, nil
}
