package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/storage"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 12
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.Route, r.ProviderID, r.Model,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			r.LatencyMs, r.StatusCode, boolToInt(r.Streamed),
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, route, provider_id, model,
		 prompt_tokens, completion_tokens, total_tokens,
		 latency_ms, status_code, streamed, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]gateway.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, request_id, route, provider_id, model,
		prompt_tokens, completion_tokens, total_tokens,
		latency_ms, status_code, streamed, created_at
		FROM usage_records` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var streamed int
		var createdAt string
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.Route, &r.ProviderID, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.LatencyMs, &r.StatusCode, &streamed, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.Streamed = streamed != 0
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummarizeUsage aggregates matching records per provider and model.
func (s *Store) SummarizeUsage(ctx context.Context, f storage.UsageFilter) ([]storage.UsageSummary, error) {
	where, args := usageWhere(f)
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider_id, model, COUNT(*),
		 COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		 FROM usage_records`+where+` GROUP BY provider_id, model ORDER BY provider_id, model`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.UsageSummary
	for rows.Next() {
		var u storage.UsageSummary
		if err := rows.Scan(&u.ProviderID, &u.Model, &u.Requests,
			&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func usageWhere(f storage.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Route != "" {
		clauses = append(clauses, "route = ?")
		args = append(args, f.Route)
	}
	if f.ProviderID != "" {
		clauses = append(clauses, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
