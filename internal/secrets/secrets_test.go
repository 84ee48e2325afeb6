package secrets

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

func TestInMemoryStore(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	store.SetSecret("master", "s3cret")

	value, err := store.GetSecret(ctx, "master")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "s3cret" {
		t.Errorf("GetSecret() = %v, want s3cret", value)
	}

	store.DeleteSecret("master")
	if _, err := store.GetSecret(ctx, "master"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("GetSecret() after delete error = %v, want ErrSecretNotFound", err)
	}
}

func TestMasterKey(t *testing.T) {
	store := NewInMemoryStore()
	store.SetSecret("plain", "  from-vault  ")
	store.SetSecret("json", `{"master_key":"from-json"}`)
	store.SetSecret("empty-json", `{"other":"x"}`)
	store.SetSecret("broken-json", `{"master_key":`)

	tests := []struct {
		name     string
		explicit string
		store    Store
		secret   string
		want     string
		wantErr  error
	}{
		{name: "explicit wins", explicit: "env-key", store: store, secret: "plain", want: "env-key"},
		{name: "plain secret", store: store, secret: "plain", want: "from-vault"},
		{name: "json secret", store: store, secret: "json", want: "from-json"},
		{name: "json without field", store: store, secret: "empty-json", wantErr: domain.ErrMasterKeyRequired},
		{name: "nothing configured", wantErr: domain.ErrMasterKeyRequired},
		{name: "store without name", store: store, wantErr: domain.ErrMasterKeyRequired},
		{name: "missing secret", store: store, secret: "nope", wantErr: ErrSecretNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MasterKey(context.Background(), tt.explicit, tt.store, tt.secret)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("MasterKey() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("MasterKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MasterKey() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := MasterKey(context.Background(), "", store, "broken-json"); err == nil {
		t.Error("MasterKey() should fail on malformed JSON")
	}
}

func TestAWSSecretsManager(t *testing.T) {
	name := os.Getenv("TEST_MASTER_KEY_SECRET")
	if name == "" {
		t.Skip("TEST_MASTER_KEY_SECRET not set, skipping AWS test")
	}

	sm, err := NewAWSSecretsManager(context.Background(), os.Getenv("AWS_REGION"))
	if err != nil {
		t.Fatalf("NewAWSSecretsManager() error = %v", err)
	}

	key, err := MasterKey(context.Background(), "", sm, name)
	if err != nil {
		t.Fatalf("MasterKey() error = %v", err)
	}
	if key == "" {
		t.Error("expected a non-empty master key")
	}
}
