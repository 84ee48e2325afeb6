package domain

import (
	"slices"
	"time"
)

type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusDisabled KeyStatus = "disabled"
)

// Limits caps usage per window. A zero value means unlimited.
type Limits struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty" validate:"gte=0"`
	RequestsPerHour   int `json:"requests_per_hour,omitempty" validate:"gte=0"`
	RequestsPerDay    int `json:"requests_per_day,omitempty" validate:"gte=0"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty" validate:"gte=0"`
	TokensPerHour     int `json:"tokens_per_hour,omitempty" validate:"gte=0"`
	TokensPerDay      int `json:"tokens_per_day,omitempty" validate:"gte=0"`
}

type EncryptedSecret struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// KeyInfo is the non-secret view of a provider credential.
type KeyInfo struct {
	ID              string            `json:"id"`
	Provider        string            `json:"provider"`
	Name            string            `json:"name"`
	Fingerprint     string            `json:"fingerprint"`
	Permissions     []string          `json:"permissions,omitempty"`
	Limits          Limits            `json:"limits"`
	Status          KeyStatus         `json:"status"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedBy       string            `json:"created_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastRotated     time.Time         `json:"last_rotated,omitzero"`
	NextRotation    time.Time         `json:"next_rotation"`
	RotationCount   int               `json:"rotation_count"`
	StatusChangedAt time.Time         `json:"status_changed_at,omitzero"`
	StatusReason    string            `json:"status_reason,omitempty"`
}

func (k KeyInfo) Active() bool {
	return k.Status == KeyStatusActive
}

// HasPermissions reports whether every required permission is granted to the key.
func (k KeyInfo) HasPermissions(required []string) bool {
	for _, p := range required {
		if !slices.Contains(k.Permissions, p) {
			return false
		}
	}
	return true
}

// KeyRecord is the stored form of a credential. The secret is always encrypted.
type KeyRecord struct {
	KeyInfo
	Secret EncryptedSecret `json:"secret"`
}

// Key is a decrypted credential handed to callers that issue provider requests.
type Key struct {
	KeyInfo
	Secret string `json:"-"`
}

// Usage is the outcome of one provider call made with a key.
type Usage struct {
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens" validate:"gte=0"`
	CompletionTokens int           `json:"completion_tokens" validate:"gte=0"`
	Tokens           int           `json:"tokens" validate:"gte=0"`
	Cost             float64       `json:"cost" validate:"gte=0"`
	Latency          time.Duration `json:"latency" validate:"gte=0"`
	Failed           bool          `json:"failed,omitempty"`
}

func (u Usage) TotalTokens() int {
	if u.Tokens > 0 {
		return u.Tokens
	}
	return u.PromptTokens + u.CompletionTokens
}

type SpeedPreference string

const (
	SpeedFast     SpeedPreference = "fast"
	SpeedBalanced SpeedPreference = "balanced"
	SpeedRelaxed  SpeedPreference = "relaxed"
)

type QualityPreference string

const (
	QualityStandard QualityPreference = "standard"
	QualityHigh     QualityPreference = "high"
)

type UserPreference struct {
	PreferredModels   []string          `json:"preferredModels,omitempty"`
	BudgetLimit       float64           `json:"budgetLimit,omitempty" validate:"gte=0"`
	SpeedPreference   SpeedPreference   `json:"speedPreference,omitempty" validate:"omitempty,oneof=fast balanced relaxed"`
	QualityPreference QualityPreference `json:"qualityPreference,omitempty" validate:"omitempty,oneof=standard high"`
}

// Weights balance the four routing sub-scores.
type Weights struct {
	Performance  float64 `json:"performance" validate:"gte=0"`
	Cost         float64 `json:"cost" validate:"gte=0"`
	Quality      float64 `json:"quality" validate:"gte=0"`
	Availability float64 `json:"availability" validate:"gte=0"`
}

func DefaultWeights() Weights {
	return Weights{
		Performance:  0.30,
		Cost:         0.25,
		Quality:      0.25,
		Availability: 0.20,
	}
}

func (w Weights) Sum() float64 {
	return w.Performance + w.Cost + w.Quality + w.Availability
}

// ProviderSignals describe how busy a provider is. Both values are fractions in [0,1].
type ProviderSignals struct {
	Load      float64 `json:"load"`
	QuotaUsed float64 `json:"quota_used"`
}
