package router

import (
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/felipepmaragno/ai-router/internal/domain"
)

// ABTest pins Model for a share of users. Listed users are always in the test.
type ABTest struct {
	ID      string   `json:"id" validate:"required"`
	Model   string   `json:"model" validate:"required"`
	Percent int      `json:"percent" validate:"gte=0,lte=100"`
	Users   []string `json:"users,omitempty"`
}

// Includes is deterministic: the same user always lands in the same bucket.
func (t ABTest) Includes(userID string) bool {
	if userID == "" {
		return false
	}
	if slices.Contains(t.Users, userID) {
		return true
	}
	if t.Percent <= 0 {
		return false
	}
	return int(xxhash.Sum64String(t.ID+":"+userID)%100) < t.Percent
}

func (e *Engine) SetABTest(t ABTest) error {
	if err := domain.Validate(t); err != nil {
		return err
	}
	if _, ok := e.catalog.Get(t.Model); !ok {
		return domain.NewValidationError("model", strconv.Quote(t.Model)+" is not in the catalog")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.abTests[t.ID] = t
	return nil
}

func (e *Engine) RemoveABTest(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.abTests, id)
}

func (e *Engine) ABTests() []ABTest {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ABTest, 0, len(e.abTests))
	for _, t := range e.abTests {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b ABTest) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// pinnedModel returns the model of the first test, by id, that includes the user.
func (e *Engine) pinnedModel(userID string) (string, string) {
	for _, t := range e.ABTests() {
		if t.Includes(userID) {
			return t.Model, t.ID
		}
	}
	return "", ""
}
