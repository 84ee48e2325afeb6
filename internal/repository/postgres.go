package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/lib/pq"
)

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS provider_keys (
	provider          TEXT NOT NULL,
	id                TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	ciphertext        TEXT NOT NULL,
	iv                TEXT NOT NULL,
	fingerprint       TEXT NOT NULL,
	permissions       TEXT[] NOT NULL DEFAULT '{}',
	limits            JSONB NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL,
	metadata          JSONB,
	created_by        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	last_rotated      TIMESTAMPTZ,
	next_rotation     TIMESTAMPTZ NOT NULL,
	rotation_count    INTEGER NOT NULL DEFAULT 0,
	status_changed_at TIMESTAMPTZ,
	status_reason     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (provider, id)
);

CREATE TABLE IF NOT EXISTS key_permissions (
	user_id    TEXT PRIMARY KEY,
	scopes     TEXT[] NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS key_usage (
	id            BIGSERIAL PRIMARY KEY,
	key_id        TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      DOUBLE PRECISION NOT NULL,
	latency_ms    BIGINT NOT NULL,
	failed        BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_key_usage_key_created ON key_usage (key_id, created_at);
`

type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (r *PostgresKeyStore) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *PostgresKeyStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresKeyStore) SaveKey(ctx context.Context, rec domain.KeyRecord) error {
	query := `
		INSERT INTO provider_keys (provider, id, name, ciphertext, iv, fingerprint, permissions, limits, status,
		                           metadata, created_by, created_at, updated_at, last_rotated, next_rotation,
		                           rotation_count, status_changed_at, status_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (provider, id) DO UPDATE SET
		    name = EXCLUDED.name, ciphertext = EXCLUDED.ciphertext, iv = EXCLUDED.iv,
		    fingerprint = EXCLUDED.fingerprint, permissions = EXCLUDED.permissions, limits = EXCLUDED.limits,
		    status = EXCLUDED.status, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at,
		    last_rotated = EXCLUDED.last_rotated, next_rotation = EXCLUDED.next_rotation,
		    rotation_count = EXCLUDED.rotation_count, status_changed_at = EXCLUDED.status_changed_at,
		    status_reason = EXCLUDED.status_reason
	`

	limits, metadata, err := encodeRecordJSON(rec)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		rec.Provider,
		rec.ID,
		rec.Name,
		rec.Secret.Ciphertext,
		rec.Secret.IV,
		rec.Fingerprint,
		pq.Array(rec.Permissions),
		limits,
		string(rec.Status),
		metadata,
		rec.CreatedBy,
		rec.CreatedAt,
		rec.UpdatedAt,
		nullTime(rec.LastRotated),
		rec.NextRotation,
		rec.RotationCount,
		nullTime(rec.StatusChangedAt),
		rec.StatusReason,
	)
	if err != nil {
		return fmt.Errorf("upsert key: %w", err)
	}

	return nil
}

func (r *PostgresKeyStore) DeleteKey(ctx context.Context, provider, id string) error {
	query := `DELETE FROM provider_keys WHERE provider = $1 AND id = $2`

	result, err := r.db.ExecContext(ctx, query, provider, id)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrKeyNotFound
	}

	return nil
}

func (r *PostgresKeyStore) ListKeys(ctx context.Context) ([]domain.KeyRecord, error) {
	query := `
		SELECT provider, id, name, ciphertext, iv, fingerprint, permissions, limits, status,
		       metadata, created_by, created_at, updated_at, last_rotated, next_rotation,
		       rotation_count, status_changed_at, status_reason
		FROM provider_keys
		ORDER BY provider, created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var records []domain.KeyRecord
	for rows.Next() {
		var rec domain.KeyRecord
		var permissions pq.StringArray
		var limits, metadata []byte
		var status string
		var lastRotated, statusChangedAt sql.NullTime

		err := rows.Scan(
			&rec.Provider,
			&rec.ID,
			&rec.Name,
			&rec.Secret.Ciphertext,
			&rec.Secret.IV,
			&rec.Fingerprint,
			&permissions,
			&limits,
			&status,
			&metadata,
			&rec.CreatedBy,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&lastRotated,
			&rec.NextRotation,
			&rec.RotationCount,
			&statusChangedAt,
			&rec.StatusReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}

		rec.Permissions = []string(permissions)
		rec.Status = domain.KeyStatus(status)
		rec.LastRotated = lastRotated.Time
		rec.StatusChangedAt = statusChangedAt.Time
		if err := decodeRecordJSON(&rec, limits, metadata); err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *PostgresKeyStore) SavePermissions(ctx context.Context, userID string, scopes []string) error {
	if len(scopes) == 0 {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM key_permissions WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete permissions: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO key_permissions (user_id, scopes, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET scopes = EXCLUDED.scopes, updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.ExecContext(ctx, query, userID, pq.Array(scopes), time.Now()); err != nil {
		return fmt.Errorf("upsert permissions: %w", err)
	}
	return nil
}

func (r *PostgresKeyStore) ListPermissions(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, scopes FROM key_permissions`)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var userID string
		var scopes pq.StringArray
		if err := rows.Scan(&userID, &scopes); err != nil {
			return nil, fmt.Errorf("scan permissions: %w", err)
		}
		out[userID] = []string(scopes)
	}

	return out, rows.Err()
}

func encodeRecordJSON(rec domain.KeyRecord) (limits, metadata []byte, err error) {
	limits, err = json.Marshal(rec.Limits)
	if err != nil {
		return nil, nil, fmt.Errorf("encode limits: %w", err)
	}
	if len(rec.Metadata) > 0 {
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	return limits, metadata, nil
}

func decodeRecordJSON(rec *domain.KeyRecord, limits, metadata []byte) error {
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &rec.Limits); err != nil {
			return fmt.Errorf("decode limits for %s: %w", rec.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
		}
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
