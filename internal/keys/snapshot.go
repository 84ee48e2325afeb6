package keys

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metrics"
)

// Snapshot is the portable form of the registry. Usage counters are not part of it.
type Snapshot struct {
	Keys        map[string]map[string]domain.KeyRecord `json:"keys"`
	Permissions map[string][]string                    `json:"permissions"`
	Options     Options                                `json:"options"`
}

func (r *Registry) Export() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Keys:        make(map[string]map[string]domain.KeyRecord),
		Permissions: make(map[string][]string, len(r.permissions)),
		Options:     r.opts,
	}
	for k, rec := range r.keys {
		if snap.Keys[k.provider] == nil {
			snap.Keys[k.provider] = make(map[string]domain.KeyRecord)
		}
		rec.Permissions = slices.Clone(rec.Permissions)
		rec.Metadata = maps.Clone(rec.Metadata)
		snap.Keys[k.provider][k.id] = rec
	}
	for u, scopes := range r.permissions {
		snap.Permissions[u] = slices.Clone(scopes)
	}
	return snap
}

// Import merges snap into the registry. Every record is checked first: it must
// decrypt with the current master key and the merged registry must respect the
// provider capacity. Nothing is changed when a check fails. A store failure
// while applying leaves the records saved so far in place, with the active
// counts matching them. Imported keys start with fresh usage counters. Options
// in the snapshot are informational.
func (r *Registry) Import(ctx context.Context, snap Snapshot) (int, error) {
	records, err := r.prepareImport(snap)
	if err != nil {
		return 0, err
	}
	for u, scopes := range snap.Permissions {
		if u == "" {
			return 0, domain.NewValidationError("permissions", "user id is required")
		}
		for _, s := range scopes {
			if !validScope(s) {
				return 0, domain.NewValidationError("permissions", fmt.Sprintf("invalid scope %q for %s", s, u))
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	deltas := make(map[ref]int, len(records))
	active := make(map[string]int, len(r.active))
	maps.Copy(active, r.active)
	for _, rec := range records {
		k := ref{rec.Provider, rec.ID}
		if old, ok := r.keys[k]; ok && old.Active() {
			deltas[k]--
		}
		if rec.Active() {
			deltas[k]++
		}
		active[rec.Provider] += deltas[k]
	}
	for provider, n := range active {
		if n > r.opts.MaxKeysPerProvider {
			return 0, fmt.Errorf("%w: import would leave %s with %d active keys",
				domain.ErrCapacityExceeded, provider, n)
		}
	}

	// Records that free a slot go first, so every prefix of the apply loop
	// stays within capacity if the store fails partway.
	slices.SortStableFunc(records, func(a, b domain.KeyRecord) int {
		return cmp.Compare(deltas[ref{a.Provider, a.ID}], deltas[ref{b.Provider, b.ID}])
	})

	touched := make(map[string]struct{})
	defer func() {
		for provider := range touched {
			metrics.SetActiveKeys(provider, r.active[provider])
		}
	}()

	for i, rec := range records {
		k := ref{rec.Provider, rec.ID}
		if err := r.store.SaveKey(ctx, rec); err != nil {
			return i, fmt.Errorf("persist imported key %s: %w", rec.ID, err)
		}
		r.keys[k] = rec
		r.active[rec.Provider] += deltas[k]
		touched[rec.Provider] = struct{}{}
		if err := r.tracker.Register(ctx, rec.ID, rec.Provider, rec.Limits); err != nil {
			return i + 1, err
		}
	}
	for u, scopes := range snap.Permissions {
		if err := r.store.SavePermissions(ctx, u, scopes); err != nil {
			return len(records), fmt.Errorf("persist imported permissions: %w", err)
		}
		if len(scopes) == 0 {
			delete(r.permissions, u)
		} else {
			r.permissions[u] = slices.Clone(scopes)
		}
	}

	return len(records), nil
}

func (r *Registry) prepareImport(snap Snapshot) ([]domain.KeyRecord, error) {
	var records []domain.KeyRecord
	for provider, byID := range snap.Keys {
		for id, rec := range byID {
			if rec.Provider == "" {
				rec.Provider = provider
			}
			if rec.ID == "" {
				rec.ID = id
			}
			if rec.Provider != provider || rec.ID != id {
				return nil, domain.NewValidationError("keys", fmt.Sprintf("record %s/%s is filed under %s/%s", rec.Provider, rec.ID, provider, id))
			}
			if err := domain.Validate(rec.Limits); err != nil {
				return nil, err
			}
			switch rec.Status {
			case domain.KeyStatusActive, domain.KeyStatusDisabled:
			case "":
				rec.Status = domain.KeyStatusActive
			default:
				return nil, domain.NewValidationError("status", fmt.Sprintf("unknown status %q for key %s", rec.Status, id))
			}
			if _, err := r.cipher.Open(rec.Secret); err != nil {
				return nil, fmt.Errorf("imported key %s: %w", id, err)
			}
			if rec.NextRotation.IsZero() {
				rec.NextRotation = r.now().Add(r.opts.RotationInterval)
			}
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b domain.KeyRecord) int {
		return compareAge(a.KeyInfo, b.KeyInfo)
	})
	return records, nil
}
