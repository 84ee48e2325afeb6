package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteKeyStore keeps key records in a single-file database. Times are stored
// as unix nanoseconds, zero meaning unset.
type SQLiteKeyStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteKeyStore(path string) (*SQLiteKeyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	slog.Info("sqlite key store initialized", "path", path)
	return &SQLiteKeyStore{db: db, path: path}, nil
}

func (s *SQLiteKeyStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteKeyStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteKeyStore) SaveKey(ctx context.Context, rec domain.KeyRecord) error {
	query := `
		INSERT INTO provider_keys (provider, id, name, ciphertext, iv, fingerprint, permissions, limits, status,
		                           metadata, created_by, created_at, updated_at, last_rotated, next_rotation,
		                           rotation_count, status_changed_at, status_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, id) DO UPDATE SET
		    name = excluded.name, ciphertext = excluded.ciphertext, iv = excluded.iv,
		    fingerprint = excluded.fingerprint, permissions = excluded.permissions, limits = excluded.limits,
		    status = excluded.status, metadata = excluded.metadata, updated_at = excluded.updated_at,
		    last_rotated = excluded.last_rotated, next_rotation = excluded.next_rotation,
		    rotation_count = excluded.rotation_count, status_changed_at = excluded.status_changed_at,
		    status_reason = excluded.status_reason
	`

	limits, metadata, err := encodeRecordJSON(rec)
	if err != nil {
		return err
	}
	permissions, err := json.Marshal(nonNil(rec.Permissions))
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		rec.Provider,
		rec.ID,
		rec.Name,
		rec.Secret.Ciphertext,
		rec.Secret.IV,
		rec.Fingerprint,
		string(permissions),
		string(limits),
		string(rec.Status),
		nullString(metadata),
		rec.CreatedBy,
		unixNano(rec.CreatedAt),
		unixNano(rec.UpdatedAt),
		unixNano(rec.LastRotated),
		unixNano(rec.NextRotation),
		rec.RotationCount,
		unixNano(rec.StatusChangedAt),
		rec.StatusReason,
	)
	if err != nil {
		return fmt.Errorf("upsert key: %w", err)
	}
	return nil
}

func (s *SQLiteKeyStore) DeleteKey(ctx context.Context, provider, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM provider_keys WHERE provider = ? AND id = ?`, provider, id)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}

func (s *SQLiteKeyStore) ListKeys(ctx context.Context) ([]domain.KeyRecord, error) {
	query := `
		SELECT provider, id, name, ciphertext, iv, fingerprint, permissions, limits, status,
		       metadata, created_by, created_at, updated_at, last_rotated, next_rotation,
		       rotation_count, status_changed_at, status_reason
		FROM provider_keys
		ORDER BY provider, created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var records []domain.KeyRecord
	for rows.Next() {
		var rec domain.KeyRecord
		var permissions, limits, status string
		var metadata sql.NullString
		var createdAt, updatedAt, lastRotated, nextRotation, statusChangedAt int64

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
			&createdAt,
			&updatedAt,
			&lastRotated,
			&nextRotation,
			&rec.RotationCount,
			&statusChangedAt,
			&rec.StatusReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}

		if err := json.Unmarshal([]byte(permissions), &rec.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions for %s: %w", rec.ID, err)
		}
		if err := decodeRecordJSON(&rec, []byte(limits), []byte(metadata.String)); err != nil {
			return nil, err
		}
		rec.Status = domain.KeyStatus(status)
		rec.CreatedAt = fromUnixNano(createdAt)
		rec.UpdatedAt = fromUnixNano(updatedAt)
		rec.LastRotated = fromUnixNano(lastRotated)
		rec.NextRotation = fromUnixNano(nextRotation)
		rec.StatusChangedAt = fromUnixNano(statusChangedAt)

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *SQLiteKeyStore) SavePermissions(ctx context.Context, userID string, scopes []string) error {
	if len(scopes) == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM key_permissions WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete permissions: %w", err)
		}
		return nil
	}

	encoded, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}

	query := `
		INSERT INTO key_permissions (user_id, scopes, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET scopes = excluded.scopes, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, userID, string(encoded), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("upsert permissions: %w", err)
	}
	return nil
}

func (s *SQLiteKeyStore) ListPermissions(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, scopes FROM key_permissions`)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var userID, encoded string
		if err := rows.Scan(&userID, &encoded); err != nil {
			return nil, fmt.Errorf("scan permissions: %w", err)
		}
		var scopes []string
		if err := json.Unmarshal([]byte(encoded), &scopes); err != nil {
			return nil, fmt.Errorf("decode scopes for %s: %w", userID, err)
		}
		out[userID] = scopes
	}

	return out, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
