package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

func TestLoadSettings_MissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Weights() != domain.DefaultWeights() {
		t.Errorf("Weights() = %+v, want defaults", s.Weights())
	}
	if _, ok := s.UserPreference("alice"); ok {
		t.Error("no preferences expected")
	}
}

func TestLoadSettings_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	os.WriteFile(path, []byte("{not json"), 0o600)

	if _, err := LoadSettings(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestSettingsStore_PersistsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, _ := LoadSettings(path)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	pref := domain.UserPreference{
		PreferredModels: []string{"gpt-4o"},
		BudgetLimit:     0.05,
		SpeedPreference: domain.SpeedFast,
	}
	if err := s.SetUserPreference("alice", pref); err != nil {
		t.Fatalf("SetUserPreference() error = %v", err)
	}
	w := domain.Weights{Performance: 0.4, Cost: 0.4, Quality: 0.1, Availability: 0.1}
	if err := s.SetWeights(w); err != nil {
		t.Fatalf("SetWeights() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("settings file is not JSON: %v", err)
	}
	for _, field := range []string{"userPreferences", "weights", "lastUpdated"} {
		if _, ok := onDisk[field]; !ok {
			t.Errorf("settings file is missing %q", field)
		}
	}

	reloaded, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	got, ok := reloaded.UserPreference("alice")
	if !ok || got.BudgetLimit != 0.05 || got.SpeedPreference != domain.SpeedFast {
		t.Errorf("UserPreference() = %+v, %v", got, ok)
	}
	if reloaded.Weights() != w {
		t.Errorf("Weights() = %+v, want %+v", reloaded.Weights(), w)
	}
	if !reloaded.Snapshot().LastUpdated.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("LastUpdated = %v", reloaded.Snapshot().LastUpdated)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestSettingsStore_Validation(t *testing.T) {
	s, _ := LoadSettings("")

	tests := []struct {
		name string
		err  error
	}{
		{"empty user", s.SetUserPreference("", domain.UserPreference{})},
		{"negative budget", s.SetUserPreference("alice", domain.UserPreference{BudgetLimit: -1})},
		{"bad speed", s.SetUserPreference("alice", domain.UserPreference{SpeedPreference: "warp"})},
		{"zero weights", s.SetWeights(domain.Weights{})},
		{"negative weight", s.SetWeights(domain.Weights{Cost: -0.1, Quality: 1})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, domain.ErrValidation) {
				t.Errorf("error = %v, want validation error", tt.err)
			}
		})
	}

	if len(s.Users()) != 0 {
		t.Error("rejected changes must not be stored")
	}
}

func TestSettingsStore_OnChangeAndCopies(t *testing.T) {
	s, _ := LoadSettings("")

	var calls atomic.Int32
	s.OnChange(func(Settings) { calls.Add(1) })

	s.SetUserPreference("alice", domain.UserPreference{PreferredModels: []string{"gpt-4o"}})
	s.DeleteUserPreference("alice")
	if calls.Load() != 2 {
		t.Errorf("OnChange called %d times, want 2", calls.Load())
	}

	s.SetUserPreference("bob", domain.UserPreference{PreferredModels: []string{"gpt-4o"}})
	p, _ := s.UserPreference("bob")
	p.PreferredModels[0] = "mutated"
	if again, _ := s.UserPreference("bob"); again.PreferredModels[0] != "gpt-4o" {
		t.Error("UserPreference() must return a copy")
	}
}

func TestSettingsStore_ReloadDetectsExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, _ := LoadSettings(path)
	s.SetWeights(domain.DefaultWeights())

	if changed, err := s.Reload(); err != nil || changed {
		t.Fatalf("Reload() = (%v, %v), want no change", changed, err)
	}

	external := Settings{
		UserPreferences: map[string]domain.UserPreference{"carol": {BudgetLimit: 1}},
		Weights:         domain.Weights{Cost: 1},
	}
	raw, _ := json.Marshal(external)
	os.WriteFile(path, raw, 0o600)

	changed, err := s.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload() = (%v, %v), want a change", changed, err)
	}
	if _, ok := s.UserPreference("carol"); !ok {
		t.Error("external preference should be visible after reload")
	}
}

func TestSettingsStore_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, _ := LoadSettings(path)

	reloaded := make(chan struct{}, 1)
	s.OnChange(func(Settings) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(50 * time.Millisecond)

	raw, _ := json.Marshal(Settings{Weights: domain.Weights{Quality: 1}})
	if err := writeAtomic(path, raw); err != nil {
		t.Fatalf("writeAtomic() error = %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("settings change was not picked up")
	}
	if s.Weights().Quality != 1 {
		t.Errorf("Weights() = %+v after reload", s.Weights())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch() did not stop after cancel")
	}
}

func TestSettingsStore_Merge(t *testing.T) {
	s, _ := LoadSettings("")
	s.SetUserPreference("alice", domain.UserPreference{BudgetLimit: 1})

	err := s.Merge(Settings{
		UserPreferences: map[string]domain.UserPreference{
			"bob":   {BudgetLimit: 2},
			"carol": {SpeedPreference: "warp"},
		},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Merge() error = %v, want validation error", err)
	}
	if _, ok := s.UserPreference("bob"); ok {
		t.Error("a rejected merge must not apply any entry")
	}

	err = s.Merge(Settings{
		UserPreferences: map[string]domain.UserPreference{"bob": {BudgetLimit: 2}},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(s.Users()) != 2 {
		t.Errorf("Users() = %v, want alice and bob", s.Users())
	}
	if s.Weights() != domain.DefaultWeights() {
		t.Error("zero weights in a merge must keep the current weights")
	}
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name    string
		in      Settings
		wantErr bool
	}{
		{name: "empty", in: Settings{}},
		{name: "valid preference", in: Settings{UserPreferences: map[string]domain.UserPreference{"alice": {BudgetLimit: 1}}}},
		{name: "empty user id", in: Settings{UserPreferences: map[string]domain.UserPreference{"": {}}}, wantErr: true},
		{name: "unknown speed", in: Settings{UserPreferences: map[string]domain.UserPreference{"bob": {SpeedPreference: "warp"}}}, wantErr: true},
		{name: "negative weight", in: Settings{Weights: domain.Weights{Cost: 1, Quality: -0.5}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSettings(tt.in)
			if tt.wantErr && !errors.Is(err, domain.ErrValidation) {
				t.Errorf("ValidateSettings() error = %v, want validation error", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateSettings() error = %v", err)
			}
		})
	}
}

func TestSettingsStore_HooksSeeChangesInStoredOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, _ := LoadSettings(path)

	var mu sync.Mutex
	var last domain.Weights
	s.OnChange(func(st Settings) {
		mu.Lock()
		last = st.Weights
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.SetWeights(domain.Weights{Cost: float64(i), Quality: 1}); err != nil {
				t.Errorf("SetWeights() error = %v", err)
			}
		}()
	}
	wg.Wait()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var persisted Settings
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if last != s.Weights() {
		t.Errorf("last hook saw %+v, store holds %+v", last, s.Weights())
	}
	if last != persisted.Weights {
		t.Errorf("last hook saw %+v, file holds %+v", last, persisted.Weights)
	}
}
