package keys

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/events"
	"github.com/felipepmaragno/ai-router/internal/metrics"
)

// DueForRotation lists active keys whose next rotation is at or before now.
func (r *Registry) DueForRotation() []domain.KeyInfo {
	now := r.now()

	r.mu.RLock()
	var due []domain.KeyInfo
	for _, rec := range r.keys {
		if rec.Active() && !rec.NextRotation.After(now) {
			due = append(due, rec.KeyInfo)
		}
	}
	r.mu.RUnlock()

	sortByAge(due)
	return due
}

// SweepRotations emits key_rotation_due for every overdue key. Keys are never
// rotated here; replacing material needs an operator or a secret manager.
// The signal is sent once per key and scheduled rotation.
func (r *Registry) SweepRotations(ctx context.Context) (int, error) {
	due := r.DueForRotation()
	for _, info := range due {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		metrics.RecordRotationDue(info.Provider)
		r.publisher.PublishOnce(ctx,
			fmt.Sprintf("rotation:%s:%d", info.ID, info.NextRotation.Unix()),
			events.Event{
				Type:     events.KeyRotationDue,
				Provider: info.Provider,
				KeyID:    info.ID,
				Message:  "key is due for rotation",
				Data: map[string]any{
					"next_rotation":  info.NextRotation,
					"rotation_count": info.RotationCount,
				},
				Timestamp: r.now(),
			})
	}
	return len(due), nil
}

func (r *Registry) RunRotationSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.SweepRotations(ctx)
			metrics.RecordJobRun("rotation_sweep", err)
			if err != nil {
				slog.Warn("rotation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("keys due for rotation", "count", n)
			}
		}
	}
}
