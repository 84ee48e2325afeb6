package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipepmaragno/ai-router/internal/cost"
)

type PostgresUsageLog struct {
	db *sql.DB
}

func NewPostgresUsageLog(db *sql.DB) *PostgresUsageLog {
	return &PostgresUsageLog{db: db}
}

func (r *PostgresUsageLog) Record(ctx context.Context, record cost.UsageRecord) error {
	query := `
		INSERT INTO key_usage (key_id, provider, model, request_id, input_tokens, output_tokens, cost_usd, latency_ms, failed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.KeyID,
		record.Provider,
		record.Model,
		record.RequestID,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.LatencyMs,
		record.Failed,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresUsageLog) KeyUsage(ctx context.Context, keyID string, since time.Time) ([]cost.UsageRecord, error) {
	query := `
		SELECT key_id, provider, model, request_id, input_tokens, output_tokens, cost_usd, latency_ms, failed, created_at
		FROM key_usage
		WHERE key_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, keyID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []cost.UsageRecord
	for rows.Next() {
		var record cost.UsageRecord
		err := rows.Scan(
			&record.KeyID,
			&record.Provider,
			&record.Model,
			&record.RequestID,
			&record.InputTokens,
			&record.OutputTokens,
			&record.CostUSD,
			&record.LatencyMs,
			&record.Failed,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *PostgresUsageLog) KeyTotalCost(ctx context.Context, keyID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM key_usage
		WHERE key_id = $1 AND created_at >= $2
	`

	var total float64
	if err := r.db.QueryRowContext(ctx, query, keyID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}
