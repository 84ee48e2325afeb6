package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", RoundRobin, false},
		{"round_robin", RoundRobin, false},
		{"least_used", LeastUsed, false},
		{"random", Random, false},
		{"fastest", "", true},
	}

	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if tt.wantErr && !errors.Is(err, domain.ErrValidation) {
			t.Errorf("ParseStrategy(%q) error should be a validation error", tt.in)
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Scenario: a key with two requests per minute is exhausted after two uses.
func TestSelector_RateLimitedKeyIsExcluded(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.add(t, AddKeyInput{Provider: "openai", Material: "sk", Limits: domain.Limits{RequestsPerMinute: 2}})

	f.registry.RecordUsage(ctx, "openai", id, domain.Usage{Tokens: 10})
	f.registry.RecordUsage(ctx, "openai", id, domain.Usage{Tokens: 10})

	if keys := f.selector.AvailableKeys(ctx, "openai", "", nil); len(keys) != 0 {
		t.Errorf("AvailableKeys() = %v, want none", keys)
	}
	key, err := f.selector.SelectBestKey(ctx, "openai", "", nil, RoundRobin)
	if err != nil {
		t.Fatalf("SelectBestKey() error = %v", err)
	}
	if key != nil {
		t.Errorf("SelectBestKey() = %v, want nil", key.ID)
	}

	f.clock.Advance(time.Minute)
	if keys := f.selector.AvailableKeys(ctx, "openai", "", nil); len(keys) != 1 {
		t.Error("key should be available once the minute rolls over")
	}
}

func TestSelector_Filters(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	chat := f.add(t, AddKeyInput{Provider: "openai", Material: "a", Permissions: []string{"chat"}})
	both := f.add(t, AddKeyInput{Provider: "openai", Material: "b", Permissions: []string{"chat", "embeddings"}})
	off := f.add(t, AddKeyInput{Provider: "openai", Material: "c", Permissions: []string{"chat", "embeddings"}})
	f.add(t, AddKeyInput{Provider: "anthropic", Material: "d", Permissions: []string{"chat"}})
	f.registry.DisableKey(ctx, "openai", off, "")
	f.registry.SetUserPermissions(ctx, "bob", []string{"key:" + chat})

	tests := []struct {
		name     string
		userID   string
		required []string
		want     []string
	}{
		{"all active", "", nil, []string{chat, both}},
		{"required permissions", "", []string{"embeddings"}, []string{both}},
		{"user scoped to one key", "bob", nil, []string{chat}},
		{"user scope and permission disagree", "bob", []string{"embeddings"}, nil},
		{"unknown user is denied", "mallory", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.selector.AvailableKeys(ctx, "openai", tt.userID, tt.required)
			if len(got) != len(tt.want) {
				t.Fatalf("AvailableKeys() returned %d keys, want %d", len(got), len(tt.want))
			}
			seen := make(map[string]bool)
			for _, k := range got {
				seen[k.ID] = true
			}
			for _, id := range tt.want {
				if !seen[id] {
					t.Errorf("missing key %s", id)
				}
			}
		})
	}
}

func TestSelector_RoundRobin(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	a := f.add(t, AddKeyInput{Provider: "openai", Material: "a"})
	b := f.add(t, AddKeyInput{Provider: "openai", Material: "b"})
	c := f.add(t, AddKeyInput{Provider: "openai", Material: "c"})

	want := []string{a, b, c, a, b, c}
	for i, id := range want {
		key, err := f.selector.SelectBestKey(ctx, "openai", "", nil, RoundRobin)
		if err != nil {
			t.Fatalf("SelectBestKey() error = %v", err)
		}
		if key.ID != id {
			t.Errorf("call %d picked %s, want %s", i, key.ID, id)
		}
	}
}

func TestSelector_RoundRobinConcurrent(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		f.add(t, AddKeyInput{Provider: "openai", Material: m})
	}

	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 30; j++ {
				key, err := f.selector.SelectBestKey(ctx, "openai", "", nil, RoundRobin)
				if err != nil || key == nil {
					t.Errorf("SelectBestKey() = (%v, %v)", key, err)
					return
				}
				mu.Lock()
				counts[key.Secret]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, m := range []string{"a", "b", "c"} {
		if counts[m] != 100 {
			t.Errorf("key %s picked %d times, want 100", m, counts[m])
		}
	}
}

func TestSelector_LeastUsed(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	a := f.add(t, AddKeyInput{Provider: "openai", Material: "a"})
	b := f.add(t, AddKeyInput{Provider: "openai", Material: "b"})
	c := f.add(t, AddKeyInput{Provider: "openai", Material: "c"})

	key, _ := f.selector.SelectBestKey(ctx, "openai", "", nil, LeastUsed)
	if key.ID != a {
		t.Errorf("tie should go to the oldest key, got %s", key.ID)
	}

	f.registry.RecordUsage(ctx, "openai", a, domain.Usage{})
	f.registry.RecordUsage(ctx, "openai", b, domain.Usage{})
	f.registry.RecordUsage(ctx, "openai", b, domain.Usage{})

	key, _ = f.selector.SelectBestKey(ctx, "openai", "", nil, LeastUsed)
	if key.ID != c {
		t.Errorf("SelectBestKey(least_used) = %s, want %s", key.ID, c)
	}
}

func TestSelector_Random(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.add(t, AddKeyInput{Provider: "openai", Material: "a"})
	b := f.add(t, AddKeyInput{Provider: "openai", Material: "b"})

	f.selector.intN = func(n int) int { return n - 1 }

	key, err := f.selector.SelectBestKey(ctx, "openai", "", nil, Random)
	if err != nil {
		t.Fatalf("SelectBestKey() error = %v", err)
	}
	if key.ID != b {
		t.Errorf("SelectBestKey(random) = %s, want %s", key.ID, b)
	}
}

func TestSelector_NeverReturnsIneligibleKey(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	limited := f.add(t, AddKeyInput{Provider: "openai", Material: "a", Limits: domain.Limits{RequestsPerMinute: 1}})
	disabled := f.add(t, AddKeyInput{Provider: "openai", Material: "b"})
	good := f.add(t, AddKeyInput{Provider: "openai", Material: "c"})

	f.registry.RecordUsage(ctx, "openai", limited, domain.Usage{})
	f.registry.DisableKey(ctx, "openai", disabled, "")

	for _, s := range []Strategy{RoundRobin, LeastUsed, Random} {
		for i := 0; i < 5; i++ {
			key, err := f.selector.SelectBestKey(ctx, "openai", "", nil, s)
			if err != nil || key == nil {
				t.Fatalf("%s: SelectBestKey() = (%v, %v)", s, key, err)
			}
			if key.ID != good {
				t.Errorf("%s: picked %s, want %s", s, key.ID, good)
			}
		}
	}
}

func TestSelector_Signals(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	empty, err := f.selector.Signals(ctx, "anthropic")
	if err != nil || empty != (domain.ProviderSignals{}) {
		t.Fatalf("Signals() for empty pool = (%+v, %v), want zero", empty, err)
	}

	limited := f.add(t, AddKeyInput{Provider: "openai", Material: "sk-1", Limits: domain.Limits{RequestsPerMinute: 2}})
	f.add(t, AddKeyInput{Provider: "openai", Material: "sk-2", Limits: domain.Limits{RequestsPerMinute: 4}})

	f.registry.RecordUsage(ctx, "openai", limited, domain.Usage{Tokens: 1})
	f.registry.RecordUsage(ctx, "openai", limited, domain.Usage{Tokens: 1})

	got, err := f.selector.Signals(ctx, "openai")
	if err != nil {
		t.Fatalf("Signals() error = %v", err)
	}
	if got.Load != 0.5 {
		t.Errorf("Load = %v, want 0.5", got.Load)
	}
	if got.QuotaUsed != 0.5 {
		t.Errorf("QuotaUsed = %v, want 0.5", got.QuotaUsed)
	}
}
