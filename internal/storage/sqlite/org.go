package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nanogw/nanogw/internal/money"

	gateway "github.com/nanogw/nanogw/internal"
)

// CreateOrg inserts a new organization.
func (s *Store) CreateOrg(ctx context.Context, org *gateway.Organization) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO organizations (id, name, is_active, settings, concurrent_limit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, boolToInt(org.IsActive), rawJSONToNull(org.Settings),
		intPtrToNull(org.ConcurrentLimit), org.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetOrg retrieves an organization by ID.
func (s *Store) GetOrg(ctx context.Context, id string) (*gateway.Organization, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, is_active, settings, concurrent_limit, created_at
		 FROM organizations WHERE id=?`, id,
	)
	return scanOrg(row)
}

// ListOrgs returns all organizations.
func (s *Store) ListOrgs(ctx context.Context, offset, limit int) ([]*gateway.Organization, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, is_active, settings, concurrent_limit, created_at
		 FROM organizations ORDER BY name LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*gateway.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// UpdateOrg updates an organization.
func (s *Store) UpdateOrg(ctx context.Context, org *gateway.Organization) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE organizations SET name=?, is_active=?, settings=?, concurrent_limit=? WHERE id=?`,
		org.Name, boolToInt(org.IsActive), rawJSONToNull(org.Settings), intPtrToNull(org.ConcurrentLimit), org.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "organization")
}

// DeleteOrg removes an organization.
func (s *Store) DeleteOrg(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM organizations WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "organization")
}

// CreateWorkspace inserts a new workspace.
func (s *Store) CreateWorkspace(ctx context.Context, ws *gateway.Workspace) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO workspaces (id, organization_id, name, created_at) VALUES (?, ?, ?, ?)`,
		ws.ID, ws.OrganizationID, ws.Name, ws.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*gateway.Workspace, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, organization_id, name, created_at FROM workspaces WHERE id=?`, id,
	)
	return scanWorkspace(row)
}

// ListWorkspaces returns all workspaces in an organization.
func (s *Store) ListWorkspaces(ctx context.Context, orgID string, offset, limit int) ([]*gateway.Workspace, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, organization_id, name, created_at
		 FROM workspaces WHERE organization_id=? ORDER BY name LIMIT ? OFFSET ?`, orgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []*gateway.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// UpdateWorkspace updates a workspace.
func (s *Store) UpdateWorkspace(ctx context.Context, ws *gateway.Workspace) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE workspaces SET name=? WHERE id=?`, ws.Name, ws.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "workspace")
}

// DeleteWorkspace removes a workspace.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM workspaces WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "workspace")
}

func scanOrg(s scanner) (*gateway.Organization, error) {
	var o gateway.Organization
	var isActive int
	var settings sql.NullString
	var concurrentLimit sql.NullInt64
	var createdAt sql.NullString

	err := s.Scan(&o.ID, &o.Name, &isActive, &settings, &concurrentLimit, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	o.IsActive = isActive != 0
	if settings.Valid {
		o.Settings = []byte(settings.String)
	}
	if concurrentLimit.Valid {
		n := int(concurrentLimit.Int64)
		o.ConcurrentLimit = &n
	}
	if t := parseTime(createdAt); t != nil {
		o.CreatedAt = *t
	}
	return &o, nil
}

func scanWorkspace(s scanner) (*gateway.Workspace, error) {
	var w gateway.Workspace
	var createdAt sql.NullString

	err := s.Scan(&w.ID, &w.OrganizationID, &w.Name, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if t := parseTime(createdAt); t != nil {
		w.CreatedAt = *t
	}
	return &w, nil
}

// UpdateLimits closes the currently-open limits row (if any) and inserts a
// new one, keeping "exactly one open row per organization" invariant.
func (s *Store) UpdateLimits(ctx context.Context, h *gateway.OrgLimitsHistory) (*gateway.OrgLimitsHistory, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := h.EffectiveFrom.UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`UPDATE org_limits_history SET effective_until=? WHERE organization_id=? AND effective_until IS NULL`,
		now, h.OrganizationID,
	); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO org_limits_history (id, organization_id, spend_limit, effective_from,
		 effective_until, changed_by, change_reason)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		h.ID, h.OrganizationID, spendLimitToNull(h.SpendLimit), now, nullStr(h.ChangedBy), nullStr(h.ChangeReason),
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return h, nil
}

// GetCurrentLimits returns the open (effective_until IS NULL) limits row.
func (s *Store) GetCurrentLimits(ctx context.Context, orgID string) (*gateway.OrgLimitsHistory, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, organization_id, spend_limit, effective_from, effective_until, changed_by, change_reason
		 FROM org_limits_history WHERE organization_id=? AND effective_until IS NULL`, orgID,
	)
	return scanLimitsHistory(row)
}

// ListLimitsHistory returns the full limits history for an organization, newest first.
func (s *Store) ListLimitsHistory(ctx context.Context, orgID string, offset, limit int) ([]*gateway.OrgLimitsHistory, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, organization_id, spend_limit, effective_from, effective_until, changed_by, change_reason
		 FROM org_limits_history WHERE organization_id=? ORDER BY effective_from DESC LIMIT ? OFFSET ?`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*gateway.OrgLimitsHistory
	for rows.Next() {
		h, err := scanLimitsHistory(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func scanLimitsHistory(s scanner) (*gateway.OrgLimitsHistory, error) {
	var h gateway.OrgLimitsHistory
	var spendLimit sql.NullInt64
	var effectiveFrom, effectiveUntil, changedBy, changeReason sql.NullString

	err := s.Scan(&h.ID, &h.OrganizationID, &spendLimit, &effectiveFrom, &effectiveUntil, &changedBy, &changeReason)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if spendLimit.Valid {
		amt := money.FromInt64(spendLimit.Int64)
		h.SpendLimit = &amt
	}
	if t := parseTime(effectiveFrom); t != nil {
		h.EffectiveFrom = *t
	}
	h.EffectiveUntil = parseTime(effectiveUntil)
	h.ChangedBy = changedBy.String
	h.ChangeReason = changeReason.String
	return &h, nil
}

// GetBalance returns the materialized spend/usage balance for an organization.
func (s *Store) GetBalance(ctx context.Context, orgID string) (*gateway.OrgBalance, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT organization_id, total_spent_amount, total_requests, total_tokens, last_usage_at
		 FROM org_balances WHERE organization_id=?`, orgID,
	)
	var b gateway.OrgBalance
	var spent int64
	var lastUsageAt sql.NullString
	err := row.Scan(&b.OrganizationID, &spent, &b.TotalRequests, &b.TotalTokens, &lastUsageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &gateway.OrgBalance{OrganizationID: orgID}, nil
		}
		return nil, err
	}
	b.TotalSpentAmount = money.FromInt64(spent)
	b.LastUsageAt = parseTime(lastUsageAt)
	return &b, nil
}

// ApplyUsage upserts the running org balance, adding cost and tokens atomically.
func (s *Store) ApplyUsage(ctx context.Context, orgID string, cost int64, tokens int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO org_balances (organization_id, total_spent_amount, total_requests, total_tokens, last_usage_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(organization_id) DO UPDATE SET
		   total_spent_amount = total_spent_amount + excluded.total_spent_amount,
		   total_requests = total_requests + 1,
		   total_tokens = total_tokens + excluded.total_tokens,
		   last_usage_at = excluded.last_usage_at`,
		orgID, cost, tokens, now,
	)
	return err
}

func rawJSONToNull(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func intPtrToNull(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
