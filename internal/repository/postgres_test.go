package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/felipepmaragno/ai-router/internal/cost"
	"github.com/felipepmaragno/ai-router/internal/domain"
)

var keyColumns = []string{
	"provider", "id", "name", "ciphertext", "iv", "fingerprint", "permissions", "limits", "status",
	"metadata", "created_by", "created_at", "updated_at", "last_rotated", "next_rotation",
	"rotation_count", "status_changed_at", "status_reason",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestPostgresKeyStore_SaveKey(t *testing.T) {
	db, mock := newMock(t)
	store := NewPostgresKeyStore(db)
	rec := testRecord("openai", "k1")

	mock.ExpectExec("INSERT INTO provider_keys").
		WithArgs(
			"openai", "k1", "primary", "Y2lwaGVy", "aXY=", "abc123",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "active", sqlmock.AnyArg(), "admin",
			rec.CreatedAt, rec.UpdatedAt, sqlmock.AnyArg(), rec.NextRotation, 0, sqlmock.AnyArg(), "",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SaveKey(context.Background(), rec); err != nil {
		t.Fatalf("SaveKey() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresKeyStore_SaveKeyError(t *testing.T) {
	db, mock := newMock(t)
	store := NewPostgresKeyStore(db)

	mock.ExpectExec("INSERT INTO provider_keys").WillReturnError(errors.New("connection reset"))

	if err := store.SaveKey(context.Background(), testRecord("openai", "k1")); err == nil {
		t.Fatal("SaveKey() should surface driver errors")
	}
}

func TestPostgresKeyStore_DeleteKey(t *testing.T) {
	db, mock := newMock(t)
	store := NewPostgresKeyStore(db)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM provider_keys").
		WithArgs("openai", "k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM provider_keys").
		WithArgs("openai", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteKey(ctx, "openai", "k1"); err != nil {
		t.Errorf("DeleteKey() error = %v", err)
	}
	if err := store.DeleteKey(ctx, "openai", "missing"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("DeleteKey() error = %v, want ErrKeyNotFound", err)
	}
}

func TestPostgresKeyStore_ListKeys(t *testing.T) {
	db, mock := newMock(t)
	store := NewPostgresKeyStore(db)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rotated := created.Add(time.Hour)
	rows := sqlmock.NewRows(keyColumns).
		AddRow("openai", "k1", "primary", "Y2lwaGVy", "aXY=", "abc123", "{chat,embeddings}",
			[]byte(`{"requests_per_minute":60}`), "active", []byte(`{"team":"search"}`), "admin",
			created, created, rotated, created.Add(90*24*time.Hour), 2, nil, "").
		AddRow("openai", "k2", "", "Y2lwaGVy", "aXY=", "def456", "{}",
			[]byte(`{}`), "disabled", nil, "",
			created, created, nil, created, 0, rotated, "leaked")

	mock.ExpectQuery("SELECT (.+) FROM provider_keys").WillReturnRows(rows)

	keys, err := store.ListKeys(context.Background())
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListKeys() len = %d, want 2", len(keys))
	}

	k1 := keys[0]
	if len(k1.Permissions) != 2 || k1.Permissions[1] != "embeddings" {
		t.Errorf("permissions = %v", k1.Permissions)
	}
	if k1.Limits.RequestsPerMinute != 60 {
		t.Errorf("limits = %+v", k1.Limits)
	}
	if k1.Metadata["team"] != "search" {
		t.Errorf("metadata = %v", k1.Metadata)
	}
	if !k1.LastRotated.Equal(rotated) || k1.RotationCount != 2 {
		t.Errorf("rotation = (%v, %d)", k1.LastRotated, k1.RotationCount)
	}

	k2 := keys[1]
	if k2.Status != domain.KeyStatusDisabled || k2.StatusReason != "leaked" {
		t.Errorf("status = (%s, %q)", k2.Status, k2.StatusReason)
	}
	if !k2.LastRotated.IsZero() {
		t.Error("NULL last_rotated should decode to zero time")
	}
}

func TestPostgresKeyStore_Permissions(t *testing.T) {
	db, mock := newMock(t)
	store := NewPostgresKeyStore(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO key_permissions").
		WithArgs("alice", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM key_permissions").
		WithArgs("bob").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, scopes FROM key_permissions").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "scopes"}).AddRow("alice", "{provider:openai,key:k9}"))

	if err := store.SavePermissions(ctx, "alice", []string{"provider:openai", "key:k9"}); err != nil {
		t.Fatalf("SavePermissions() error = %v", err)
	}
	if err := store.SavePermissions(ctx, "bob", nil); err != nil {
		t.Fatalf("SavePermissions(nil) error = %v", err)
	}

	perms, err := store.ListPermissions(ctx)
	if err != nil {
		t.Fatalf("ListPermissions() error = %v", err)
	}
	if got := perms["alice"]; len(got) != 2 || got[1] != "key:k9" {
		t.Errorf("alice scopes = %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresUsageLog(t *testing.T) {
	db, mock := newMock(t)
	log := NewPostgresUsageLog(db)
	ctx := context.Background()
	now := time.Now()
	since := now.Add(-time.Hour)

	mock.ExpectExec("INSERT INTO key_usage").
		WithArgs("k1", "openai", "gpt-4", "req-1", 100, 50, 0.006, int64(420), false, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM key_usage").
		WithArgs("k1", since).
		WillReturnRows(sqlmock.NewRows([]string{
			"key_id", "provider", "model", "request_id", "input_tokens", "output_tokens",
			"cost_usd", "latency_ms", "failed", "created_at",
		}).AddRow("k1", "openai", "gpt-4", "req-1", 100, 50, 0.006, 420, false, now))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("k1", since).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(0.006))

	err := log.Record(ctx, cost.UsageRecord{
		KeyID: "k1", Provider: "openai", Model: "gpt-4", RequestID: "req-1",
		InputTokens: 100, OutputTokens: 50, CostUSD: 0.006, LatencyMs: 420, Timestamp: now,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	records, err := log.KeyUsage(ctx, "k1", since)
	if err != nil {
		t.Fatalf("KeyUsage() error = %v", err)
	}
	if len(records) != 1 || records[0].LatencyMs != 420 {
		t.Errorf("KeyUsage() = %+v", records)
	}

	total, err := log.KeyTotalCost(ctx, "k1", since)
	if err != nil {
		t.Fatalf("KeyTotalCost() error = %v", err)
	}
	if total != 0.006 {
		t.Errorf("KeyTotalCost() = %v, want 0.006", total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
