// Package keys owns provider credentials: their lifecycle, per-user access and selection.
package keys

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/crypto"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/events"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/felipepmaragno/ai-router/internal/ratelimit"
	"github.com/felipepmaragno/ai-router/internal/repository"
	"github.com/google/uuid"
)

const (
	DefaultMaxKeysPerProvider = 10
	DefaultRotationInterval   = 90 * 24 * time.Hour
)

type Options struct {
	MaxKeysPerProvider int           `json:"max_keys_per_provider"`
	RotationInterval   time.Duration `json:"rotation_interval"`
}

func (o Options) withDefaults() Options {
	if o.MaxKeysPerProvider <= 0 {
		o.MaxKeysPerProvider = DefaultMaxKeysPerProvider
	}
	if o.RotationInterval <= 0 {
		o.RotationInterval = DefaultRotationInterval
	}
	return o
}

type AddKeyInput struct {
	Provider    string            `json:"provider" validate:"required,max=64"`
	Name        string            `json:"name" validate:"max=128"`
	Material    string            `json:"key" validate:"required"`
	Limits      domain.Limits     `json:"limits"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata"`
	CreatedBy   string            `json:"created_by"`
}

type ref struct {
	provider string
	id       string
}

// Registry is the single owner of key records. Capacity checks and the matching
// insert happen under one lock, so concurrent AddKey calls cannot overshoot
// MaxKeysPerProvider. Lock order is registry then tracker.
type Registry struct {
	cipher    *crypto.Cipher
	tracker   *ratelimit.Tracker
	store     repository.KeyStore
	publisher events.Publisher
	now       func() time.Time
	opts      Options

	mu          sync.RWMutex
	keys        map[ref]domain.KeyRecord
	active      map[string]int
	permissions map[string][]string
}

type RegistryOption func(*Registry)

func WithStore(s repository.KeyStore) RegistryOption {
	return func(r *Registry) { r.store = s }
}

func WithPublisher(p events.Publisher) RegistryOption {
	return func(r *Registry) { r.publisher = p }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry backed by an in-memory store unless
// WithStore is given. Call Load to pick up persisted keys.
func NewRegistry(cipher *crypto.Cipher, tracker *ratelimit.Tracker, opts Options, options ...RegistryOption) *Registry {
	r := &Registry{
		cipher:      cipher,
		tracker:     tracker,
		store:       repository.NewInMemoryKeyStore(),
		publisher:   events.Nop{},
		now:         time.Now,
		opts:        opts.withDefaults(),
		keys:        make(map[ref]domain.KeyRecord),
		active:      make(map[string]int),
		permissions: make(map[string][]string),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

func (r *Registry) Options() Options {
	return r.opts
}

// Load replaces in-memory state with the contents of the key store and registers
// fresh usage counters for every key.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	perms, err := r.store.ListPermissions(ctx)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys = make(map[ref]domain.KeyRecord, len(records))
	r.active = make(map[string]int)
	for _, rec := range records {
		if _, err := r.cipher.Open(rec.Secret); err != nil {
			slog.Warn("stored key does not decrypt with current master key",
				"provider", rec.Provider,
				"key_id", rec.ID,
			)
		}
		if err := r.tracker.Register(ctx, rec.ID, rec.Provider, rec.Limits); err != nil {
			return err
		}
		r.keys[ref{rec.Provider, rec.ID}] = rec
		if rec.Active() {
			r.active[rec.Provider]++
		}
	}
	r.permissions = perms

	for provider, n := range r.active {
		metrics.SetActiveKeys(provider, n)
	}
	slog.Info("key registry loaded", "keys", len(records), "users", len(perms))
	return nil
}

// AddKey encrypts the material, stores a new active key and registers its usage
// counters. It fails with ErrCapacityExceeded when the provider is full.
func (r *Registry) AddKey(ctx context.Context, in AddKeyInput) (string, error) {
	if err := domain.Validate(in); err != nil {
		return "", err
	}
	if err := validatePermissions(in.Permissions); err != nil {
		return "", err
	}

	secret, err := r.cipher.Seal(in.Material)
	if err != nil {
		return "", err
	}

	now := r.now()
	rec := domain.KeyRecord{
		KeyInfo: domain.KeyInfo{
			ID:           uuid.NewString(),
			Provider:     in.Provider,
			Name:         in.Name,
			Fingerprint:  crypto.Fingerprint(in.Material),
			Permissions:  slices.Clone(in.Permissions),
			Limits:       in.Limits,
			Status:       domain.KeyStatusActive,
			Metadata:     maps.Clone(in.Metadata),
			CreatedBy:    in.CreatedBy,
			CreatedAt:    now,
			UpdatedAt:    now,
			NextRotation: now.Add(r.opts.RotationInterval),
		},
		Secret: secret,
	}

	r.mu.Lock()
	if r.active[in.Provider] >= r.opts.MaxKeysPerProvider {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: provider %s already has %d active keys",
			domain.ErrCapacityExceeded, in.Provider, r.opts.MaxKeysPerProvider)
	}
	if err := r.store.SaveKey(ctx, rec); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("persist key: %w", err)
	}
	if err := r.tracker.Register(ctx, rec.ID, rec.Provider, rec.Limits); err != nil {
		_ = r.store.DeleteKey(ctx, rec.Provider, rec.ID)
		r.mu.Unlock()
		return "", err
	}
	r.keys[ref{rec.Provider, rec.ID}] = rec
	r.active[rec.Provider]++
	active := r.active[rec.Provider]
	r.mu.Unlock()

	metrics.SetActiveKeys(rec.Provider, active)
	slog.Info("key added", "provider", rec.Provider, "key_id", rec.ID, "created_by", rec.CreatedBy)
	r.publish(ctx, events.KeyAdded, rec.KeyInfo, "key added", nil)
	return rec.ID, nil
}

// GetKey decrypts the secret on every call; plaintext is never cached.
func (r *Registry) GetKey(ctx context.Context, provider, keyID string) (*domain.Key, error) {
	r.mu.RLock()
	rec, ok := r.keys[ref{provider, keyID}]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return r.decrypt(rec)
}

func (r *Registry) decrypt(rec domain.KeyRecord) (*domain.Key, error) {
	secret, err := r.cipher.Open(rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("decrypt key %s: %w", rec.ID, err)
	}
	info := rec.KeyInfo
	info.Permissions = slices.Clone(info.Permissions)
	info.Metadata = maps.Clone(info.Metadata)
	return &domain.Key{KeyInfo: info, Secret: secret}, nil
}

// ListKeys returns key metadata ordered by creation. An empty provider lists all keys.
func (r *Registry) ListKeys(provider string) []domain.KeyInfo {
	r.mu.RLock()
	out := make([]domain.KeyInfo, 0, len(r.keys))
	for k, rec := range r.keys {
		if provider != "" && k.provider != provider {
			continue
		}
		info := rec.KeyInfo
		info.Permissions = slices.Clone(info.Permissions)
		info.Metadata = maps.Clone(info.Metadata)
		out = append(out, info)
	}
	r.mu.RUnlock()

	sortByAge(out)
	return out
}

func (r *Registry) ActiveCount(provider string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[provider]
}

// RotateKey replaces the key material and schedules the next rotation.
func (r *Registry) RotateKey(ctx context.Context, provider, keyID, material string) (domain.KeyInfo, error) {
	if material == "" {
		return domain.KeyInfo{}, domain.NewValidationError("key", "is required")
	}
	secret, err := r.cipher.Seal(material)
	if err != nil {
		return domain.KeyInfo{}, err
	}

	r.mu.Lock()
	k := ref{provider, keyID}
	rec, ok := r.keys[k]
	if !ok {
		r.mu.Unlock()
		return domain.KeyInfo{}, domain.ErrKeyNotFound
	}

	now := r.now()
	rec.Secret = secret
	rec.Fingerprint = crypto.Fingerprint(material)
	rec.RotationCount++
	rec.LastRotated = now
	rec.NextRotation = now.Add(r.opts.RotationInterval)
	rec.UpdatedAt = now

	if err := r.store.SaveKey(ctx, rec); err != nil {
		r.mu.Unlock()
		return domain.KeyInfo{}, fmt.Errorf("persist rotation: %w", err)
	}
	r.keys[k] = rec
	r.mu.Unlock()

	slog.Info("key rotated", "provider", provider, "key_id", keyID, "rotation_count", rec.RotationCount)
	r.publish(ctx, events.KeyRotated, rec.KeyInfo, "key rotated", map[string]any{
		"rotation_count": rec.RotationCount,
		"next_rotation":  rec.NextRotation,
	})
	return rec.KeyInfo, nil
}

// UpdateLimits replaces the key's rate limits. Current usage counters are kept,
// so a lowered limit applies to the buckets already in progress.
func (r *Registry) UpdateLimits(ctx context.Context, provider, keyID string, limits domain.Limits) (domain.KeyInfo, error) {
	if err := domain.Validate(limits); err != nil {
		return domain.KeyInfo{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := ref{provider, keyID}
	rec, ok := r.keys[k]
	if !ok {
		return domain.KeyInfo{}, domain.ErrKeyNotFound
	}
	rec.Limits = limits
	rec.UpdatedAt = r.now()

	if err := r.store.SaveKey(ctx, rec); err != nil {
		return domain.KeyInfo{}, fmt.Errorf("persist limits: %w", err)
	}
	if err := r.tracker.UpdateLimits(keyID, limits); err != nil {
		return domain.KeyInfo{}, err
	}
	r.keys[k] = rec

	slog.Info("key limits updated", "provider", provider, "key_id", keyID)
	info := rec.KeyInfo
	info.Permissions = slices.Clone(info.Permissions)
	info.Metadata = maps.Clone(info.Metadata)
	return info, nil
}

// DisableKey is idempotent; disabling a disabled key keeps the original audit data.
func (r *Registry) DisableKey(ctx context.Context, provider, keyID, reason string) error {
	return r.setStatus(ctx, provider, keyID, domain.KeyStatusDisabled, reason)
}

// EnableKey is idempotent. Re-enabling fails when the provider is already at capacity.
func (r *Registry) EnableKey(ctx context.Context, provider, keyID string) error {
	return r.setStatus(ctx, provider, keyID, domain.KeyStatusActive, "")
}

func (r *Registry) setStatus(ctx context.Context, provider, keyID string, status domain.KeyStatus, reason string) error {
	r.mu.Lock()
	k := ref{provider, keyID}
	rec, ok := r.keys[k]
	if !ok {
		r.mu.Unlock()
		return domain.ErrKeyNotFound
	}
	if rec.Status == status {
		r.mu.Unlock()
		return nil
	}
	if status == domain.KeyStatusActive && r.active[provider] >= r.opts.MaxKeysPerProvider {
		r.mu.Unlock()
		return fmt.Errorf("%w: provider %s already has %d active keys",
			domain.ErrCapacityExceeded, provider, r.opts.MaxKeysPerProvider)
	}

	now := r.now()
	rec.Status = status
	rec.StatusReason = reason
	rec.StatusChangedAt = now
	rec.UpdatedAt = now

	if err := r.store.SaveKey(ctx, rec); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persist status: %w", err)
	}
	r.keys[k] = rec
	if status == domain.KeyStatusActive {
		r.active[provider]++
	} else {
		r.active[provider]--
	}
	active := r.active[provider]
	r.mu.Unlock()

	metrics.SetActiveKeys(provider, active)

	typ, msg := events.KeyEnabled, "key enabled"
	if status == domain.KeyStatusDisabled {
		typ, msg = events.KeyDisabled, "key disabled"
	}
	slog.Info(msg, "provider", provider, "key_id", keyID, "reason", reason)
	r.publish(ctx, typ, rec.KeyInfo, msg, map[string]any{"reason": reason})
	return nil
}

// DeleteKey removes the record and its usage state together.
func (r *Registry) DeleteKey(ctx context.Context, provider, keyID string) error {
	r.mu.Lock()
	k := ref{provider, keyID}
	rec, ok := r.keys[k]
	if !ok {
		r.mu.Unlock()
		return domain.ErrKeyNotFound
	}
	if err := r.store.DeleteKey(ctx, provider, keyID); err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
		r.mu.Unlock()
		return fmt.Errorf("delete stored key: %w", err)
	}
	delete(r.keys, k)
	if rec.Active() {
		r.active[provider]--
	}
	active := r.active[provider]
	if err := r.tracker.Remove(ctx, keyID); err != nil {
		slog.Warn("failed to purge usage state", "key_id", keyID, "error", err)
	}
	r.mu.Unlock()

	metrics.SetActiveKeys(provider, active)
	slog.Info("key deleted", "provider", provider, "key_id", keyID)
	r.publish(ctx, events.KeyDeleted, rec.KeyInfo, "key deleted", nil)
	return nil
}

// RecordUsage feeds one provider call into the key's usage counters. Negative
// token counts, cost or latency are rejected before anything is recorded.
func (r *Registry) RecordUsage(ctx context.Context, provider, keyID string, usage domain.Usage) error {
	if err := domain.Validate(usage); err != nil {
		return err
	}
	r.mu.RLock()
	_, ok := r.keys[ref{provider, keyID}]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrKeyNotFound
	}

	tokens := usage.TotalTokens()
	metrics.RecordKeyUsage(provider, tokens, usage.Cost, usage.Failed)
	return r.tracker.Record(ctx, keyID, tokens, usage.Cost)
}

func (r *Registry) Usage(ctx context.Context, provider, keyID string) (ratelimit.Stats, error) {
	r.mu.RLock()
	_, ok := r.keys[ref{provider, keyID}]
	r.mu.RUnlock()
	if !ok {
		return ratelimit.Stats{}, domain.ErrKeyNotFound
	}
	return r.tracker.Stats(ctx, keyID)
}

// SetUserPermissions replaces the user's scopes. Scopes are "*", "provider:<name>"
// or "key:<id>"; an empty list revokes all access.
func (r *Registry) SetUserPermissions(ctx context.Context, userID string, scopes []string) error {
	if userID == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	for _, s := range scopes {
		if !validScope(s) {
			return domain.NewValidationError("scopes", fmt.Sprintf("invalid scope %q", s))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.SavePermissions(ctx, userID, scopes); err != nil {
		return fmt.Errorf("persist permissions: %w", err)
	}
	if len(scopes) == 0 {
		delete(r.permissions, userID)
	} else {
		r.permissions[userID] = slices.Clone(scopes)
	}
	return nil
}

// UserPermissions returns a copy of the user's scopes.
func (r *Registry) UserPermissions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.permissions[userID])
}

// Authorized reports whether userID may use the key. Anonymous callers are not
// subject to user scopes; known users need a matching scope.
func (r *Registry) Authorized(userID string, info domain.KeyInfo) bool {
	if userID == "" {
		return true
	}
	r.mu.RLock()
	scopes := r.permissions[userID]
	r.mu.RUnlock()
	return scopesAllow(scopes, info)
}

func scopesAllow(scopes []string, info domain.KeyInfo) bool {
	for _, s := range scopes {
		switch {
		case s == "*":
			return true
		case s == "provider:"+info.Provider:
			return true
		case s == "key:"+info.ID:
			return true
		}
	}
	return false
}

func validScope(s string) bool {
	if s == "*" {
		return true
	}
	kind, value, ok := strings.Cut(s, ":")
	return ok && value != "" && (kind == "provider" || kind == "key")
}

func validatePermissions(perms []string) error {
	for _, p := range perms {
		if strings.TrimSpace(p) == "" {
			return domain.NewValidationError("permissions", "must not contain empty entries")
		}
	}
	return nil
}

// activeKeys returns the active records for provider, oldest first.
func (r *Registry) activeKeys(provider string) []domain.KeyRecord {
	r.mu.RLock()
	out := make([]domain.KeyRecord, 0, r.active[provider])
	for k, rec := range r.keys {
		if k.provider == provider && rec.Active() {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.KeyRecord) int {
		return compareAge(a.KeyInfo, b.KeyInfo)
	})
	return out
}

func (r *Registry) publish(ctx context.Context, t events.Type, info domain.KeyInfo, msg string, data map[string]any) {
	r.publisher.Publish(ctx, events.Event{
		Type:      t,
		Provider:  info.Provider,
		KeyID:     info.ID,
		Message:   msg,
		Data:      data,
		Timestamp: r.now(),
	})
}

func compareAge(a, b domain.KeyInfo) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func sortByAge(infos []domain.KeyInfo) {
	slices.SortFunc(infos, func(a, b domain.KeyInfo) int {
		if c := cmp.Compare(a.Provider, b.Provider); c != 0 {
			return c
		}
		return compareAge(a, b)
	})
}
