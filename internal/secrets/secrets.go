package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/felipepmaragno/ai-router/internal/domain"
)

var ErrSecretNotFound = errors.New("secret not found")

// Store reads named secrets from an external vault.
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type AWSSecretsManager struct {
	client *secretsmanager.Client
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
	ttl   time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		now:    time.Now,
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && s.now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value: %w", name, ErrSecretNotFound)
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: *result.SecretString, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return *result.SecretString, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
}

type InMemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemoryStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

func (s *InMemoryStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemoryStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}

// MasterKey returns the encryption master key. An explicit value wins; otherwise the
// named secret is read from store. The secret may be a plain string or a JSON object
// with a "master_key" field. There is no generated fallback.
func MasterKey(ctx context.Context, explicit string, store Store, secretName string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if store == nil || secretName == "" {
		return "", domain.ErrMasterKeyRequired
	}

	raw, err := store.GetSecret(ctx, secretName)
	if err != nil {
		return "", fmt.Errorf("resolve master key: %w", err)
	}

	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "{") {
		var payload struct {
			MasterKey string `json:"master_key"`
		}
		if err := json.Unmarshal([]byte(value), &payload); err != nil {
			return "", fmt.Errorf("decode master key secret %s: %w", secretName, err)
		}
		value = payload.MasterKey
	}

	if value == "" {
		return "", domain.ErrMasterKeyRequired
	}
	return value, nil
}
