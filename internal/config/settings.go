package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/fsnotify/fsnotify"
)

// Settings is the routing configuration persisted between restarts.
type Settings struct {
	UserPreferences map[string]domain.UserPreference `json:"userPreferences"`
	Weights         domain.Weights                   `json:"weights"`
	LastUpdated     time.Time                        `json:"lastUpdated"`
}

func DefaultSettings() Settings {
	return Settings{
		UserPreferences: make(map[string]domain.UserPreference),
		Weights:         domain.DefaultWeights(),
	}
}

func (s Settings) clone() Settings {
	out := s
	out.UserPreferences = make(map[string]domain.UserPreference, len(s.UserPreferences))
	for id, p := range s.UserPreferences {
		p.PreferredModels = slices.Clone(p.PreferredModels)
		out.UserPreferences[id] = p
	}
	return out
}

// SettingsStore owns the settings file. Every change rewrites the whole file
// through a temp file and rename, so readers never see a partial write.
// An empty path keeps settings in memory only.
type SettingsStore struct {
	path string
	now  func() time.Time

	// dispatch is held from the write through hook delivery, so hooks observe
	// changes in the order they were stored.
	dispatch sync.Mutex

	mu       sync.RWMutex
	settings Settings
	lastRaw  string
	onChange []func(Settings)
}

func LoadSettings(path string) (*SettingsStore, error) {
	s := &SettingsStore{
		path:     path,
		now:      time.Now,
		settings: DefaultSettings(),
	}
	if path == "" {
		return s, nil
	}

	loaded, raw, err := readSettings(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.settings = loaded
	s.lastRaw = string(raw)
	return s, nil
}

func readSettings(path string) (Settings, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, nil, err
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if settings.UserPreferences == nil {
		settings.UserPreferences = make(map[string]domain.UserPreference)
	}
	if settings.Weights.Sum() <= 0 {
		settings.Weights = domain.DefaultWeights()
	}
	return settings, raw, nil
}

func (s *SettingsStore) Path() string {
	return s.path
}

// OnChange registers fn to run after every change, local or from disk. Hooks run
// one change at a time and must not modify the store.
func (s *SettingsStore) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *SettingsStore) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

func (s *SettingsStore) UserPreference(userID string) (domain.UserPreference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.settings.UserPreferences[userID]
	if ok {
		p.PreferredModels = slices.Clone(p.PreferredModels)
	}
	return p, ok
}

func (s *SettingsStore) Weights() domain.Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Weights
}

func (s *SettingsStore) SetUserPreference(userID string, pref domain.UserPreference) error {
	if userID == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	if err := domain.Validate(pref); err != nil {
		return err
	}

	return s.update(func(next *Settings) {
		pref.PreferredModels = slices.Clone(pref.PreferredModels)
		next.UserPreferences[userID] = pref
	})
}

func (s *SettingsStore) DeleteUserPreference(userID string) error {
	return s.update(func(next *Settings) {
		delete(next.UserPreferences, userID)
	})
}

func (s *SettingsStore) SetWeights(w domain.Weights) error {
	if err := domain.Validate(w); err != nil {
		return err
	}
	if w.Sum() <= 0 {
		return domain.NewValidationError("weights", "must not all be zero")
	}
	return s.update(func(next *Settings) {
		next.Weights = w
	})
}

// ValidateSettings checks every preference, and the weights when in carries any.
func ValidateSettings(in Settings) error {
	for userID, pref := range in.UserPreferences {
		if userID == "" {
			return domain.NewValidationError("user_id", "is required")
		}
		if err := domain.Validate(pref); err != nil {
			return err
		}
	}
	if in.Weights.Sum() > 0 {
		if err := domain.Validate(in.Weights); err != nil {
			return err
		}
	}
	return nil
}

// Merge validates every entry of in before applying any of them. Preferences are
// upserted by user; weights are replaced only when in carries non-zero weights.
func (s *SettingsStore) Merge(in Settings) error {
	if err := ValidateSettings(in); err != nil {
		return err
	}

	return s.update(func(next *Settings) {
		for userID, pref := range in.UserPreferences {
			pref.PreferredModels = slices.Clone(pref.PreferredModels)
			next.UserPreferences[userID] = pref
		}
		if in.Weights.Sum() > 0 {
			next.Weights = in.Weights
		}
	})
}

// update applies fn to a copy and only publishes it once the file is written.
func (s *SettingsStore) update(fn func(*Settings)) error {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	next := s.settings.clone()
	fn(&next)
	next.LastUpdated = s.now().UTC()

	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode settings: %w", err)
	}
	if s.path != "" {
		if err := writeAtomic(s.path, raw); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.settings = next
	s.lastRaw = string(raw)
	hooks := slices.Clone(s.onChange)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(next.clone())
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// Reload re-reads the file. It reports whether anything changed.
func (s *SettingsStore) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}

	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	loaded, raw, err := readSettings(s.path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if string(raw) == s.lastRaw {
		s.mu.Unlock()
		return false, nil
	}
	s.settings = loaded
	s.lastRaw = string(raw)
	hooks := slices.Clone(s.onChange)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(loaded.clone())
	}
	return true, nil
}

// Watch reloads the file when it changes on disk until ctx is cancelled. The
// directory is watched because atomic replaces swap the file's inode.
func (s *SettingsStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			changed, err := s.Reload()
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					slog.Warn("failed to reload settings", "path", s.path, "error", err)
				}
				continue
			}
			if changed {
				slog.Info("settings reloaded from disk", "path", s.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}

// Users lists user ids with stored preferences.
func (s *SettingsStore) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.settings.UserPreferences))
}
