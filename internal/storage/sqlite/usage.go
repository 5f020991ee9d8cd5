package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

// InsertUsage batch-inserts usage log entries.
func (s *Store) InsertUsage(ctx context.Context, entries []gateway.UsageLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 15
	placeholders := make([]string, len(entries))
	args := make([]any, 0, len(entries)*cols)

	for i, e := range entries {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.ID, e.OrganizationID, e.WorkspaceID, e.APIKeyID, nullStr(e.ResponseID),
			e.ModelID, e.InputTokens, e.OutputTokens, e.TotalTokens,
			e.CostAmount.Int64(), e.CostScale, e.CostCurrency,
			string(e.RequestType), string(e.StopReason),
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_log
		(id, organization_id, workspace_id, api_key_id, response_id,
		 model_id, input_tokens, output_tokens, total_tokens,
		 cost_amount, cost_scale, cost_currency, request_type, stop_reason, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumUsageCost returns the total accumulated cost, in nano-USD, for a given API key.
func (s *Store) SumUsageCost(ctx context.Context, keyID string) (int64, error) {
	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_amount), 0) FROM usage_log WHERE api_key_id = ?`, keyID,
	).Scan(&total)
	return total, err
}

// GetCostsByResponseIDs returns the billed cost (nano-USD) per response id,
// used to reconcile Response.Usage against what was actually recorded.
func (s *Store) GetCostsByResponseIDs(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT response_id, SUM(cost_amount) FROM usage_log
		 WHERE response_id IN (`+strings.Join(placeholders, ",")+`)
		 GROUP BY response_id`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var cost int64
		if err := rows.Scan(&id, &cost); err != nil {
			return nil, err
		}
		out[id] = cost
	}
	return out, rows.Err()
}
