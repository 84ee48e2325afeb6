package router

import (
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/catalog"
)

const DefaultHistorySize = 1000

type HistoryEntry struct {
	DecisionID     string        `json:"decision_id"`
	Model          string        `json:"model"`
	Provider       string        `json:"provider"`
	KeyID          string        `json:"key_id,omitempty"`
	Confidence     float64       `json:"confidence"`
	Degraded       bool          `json:"degraded,omitempty"`
	Fallback       bool          `json:"fallback,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	Timestamp      time.Time     `json:"timestamp"`
	UserID         string        `json:"user_id,omitempty"`
	RequestID      string        `json:"request_id,omitempty"`
	TaskType       string        `json:"task_type,omitempty"`
	Complexity     catalog.Tier  `json:"complexity,omitempty"`
}

// History keeps the most recent decisions in a fixed-size ring. When full, the
// oldest entry is overwritten.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	next    int
	full    bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{entries: make([]HistoryEntry, size)}
}

func (h *History) Append(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}

func (h *History) Cap() int {
	return len(h.entries)
}

// Snapshot copies the entries, oldest first.
func (h *History) Snapshot() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		out := make([]HistoryEntry, h.next)
		copy(out, h.entries[:h.next])
		return out
	}

	out := make([]HistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}

type Statistics struct {
	Since                 time.Time      `json:"since,omitzero"`
	Total                 int            `json:"total"`
	ByModel               map[string]int `json:"by_model"`
	ByProvider            map[string]int `json:"by_provider"`
	AverageConfidence     float64        `json:"average_confidence"`
	AverageProcessingTime time.Duration  `json:"average_processing_time"`
	Degraded              int            `json:"degraded"`
	Fallback              int            `json:"fallback"`
}

// Statistics summarizes decisions made at or after since. A zero since covers
// the whole history.
func (h *History) Statistics(since time.Time) Statistics {
	stats := Statistics{
		Since:      since,
		ByModel:    make(map[string]int),
		ByProvider: make(map[string]int),
	}

	var confidence float64
	var processing time.Duration
	for _, e := range h.Snapshot() {
		if e.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		stats.ByModel[e.Model]++
		stats.ByProvider[e.Provider]++
		confidence += e.Confidence
		processing += e.ProcessingTime
		if e.Degraded {
			stats.Degraded++
		}
		if e.Fallback {
			stats.Fallback++
		}
	}

	if stats.Total > 0 {
		stats.AverageConfidence = confidence / float64(stats.Total)
		stats.AverageProcessingTime = processing / time.Duration(stats.Total)
	}
	return stats
}

// UserPerformance returns the mean confidence of a user's past decisions per model.
// Degraded decisions are left out.
func (h *History) UserPerformance(userID string) map[string]float64 {
	if userID == "" {
		return nil
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, e := range h.Snapshot() {
		if e.UserID != userID || e.Degraded {
			continue
		}
		sums[e.Model] += e.Confidence
		counts[e.Model]++
	}

	if len(counts) == 0 {
		return nil
	}
	out := make(map[string]float64, len(counts))
	for model, n := range counts {
		out[model] = sums[model] / float64(n)
	}
	return out
}
