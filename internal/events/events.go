// Package events delivers key lifecycle and routing signals to subscribers.
// Publishers never block: events are queued and dispatched by Bus.Run.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	KeyAdded         Type = "key_added"
	KeyRotated       Type = "key_rotated"
	KeyDisabled      Type = "key_disabled"
	KeyEnabled       Type = "key_enabled"
	KeyDeleted       Type = "key_deleted"
	KeyLimitExceeded Type = "key_limit_exceeded"
	KeyRotationDue   Type = "key_rotation_due"
	DecisionDegraded Type = "decision_degraded"
)

type Event struct {
	Type      Type           `json:"type"`
	Provider  string         `json:"provider,omitempty"`
	KeyID     string         `json:"key_id,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event)
	// PublishOnce drops the event if dedupKey was already published.
	PublishOnce(ctx context.Context, dedupKey string, e Event)
}

// Forgetter is implemented by publishers that can reset PublishOnce state.
type Forgetter interface {
	Forget(ctx context.Context, prefix string)
}

type Handler func(ctx context.Context, e Event)

type Bus struct {
	queue   chan Event
	dedup   Deduplicator
	mu      sync.RWMutex
	subs    []Handler
	dropped atomic.Int64
}

func NewBus(size int, dedup Deduplicator) *Bus {
	if size <= 0 {
		size = 256
	}
	if dedup == nil {
		dedup = NewInMemoryDeduplicator(time.Hour)
	}
	return &Bus{
		queue: make(chan Event, size),
		dedup: dedup,
	}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case b.queue <- e:
	default:
		b.dropped.Add(1)
		slog.Warn("event queue full, dropping event", "type", e.Type, "key_id", e.KeyID)
	}
}

func (b *Bus) PublishOnce(ctx context.Context, dedupKey string, e Event) {
	if !b.dedup.ShouldEmit(ctx, dedupKey) {
		return
	}
	b.Publish(ctx, e)
}

var _ Forgetter = (*Bus)(nil)

// Forget clears dedup state under prefix, so the same signal can fire again.
func (b *Bus) Forget(ctx context.Context, prefix string) {
	b.dedup.Clear(ctx, prefix)
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run dispatches queued events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.dispatch(ctx, e)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]Handler, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, h := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "type", e.Type, "panic", r)
				}
			}()
			h(ctx, e)
		}()
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event)             {}
func (Nop) PublishOnce(context.Context, string, Event) {}
